// Package qbotest provides an in-memory QBO API for tests.
package qbotest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/qbo"
)

// InitialToken is the access token accepted until the first refresh.
const InitialToken = "test-access-token"

// InitialRefreshToken is the refresh token accepted by the token endpoint first.
const InitialRefreshToken = "test-refresh-token"

// Server is an in-memory QBO company reachable over HTTP.
type Server struct {
	srv *httptest.Server

	mu            sync.Mutex
	nextID        int
	records       map[string][]qbo.Record
	creates       map[string]int
	faults        map[string]string
	rates         map[string]float64
	homeCurrency  string
	usingSalesTax bool
	validToken    string
	refreshToken  string
	refreshes     int
}

var objectTypes = map[string]string{
	"invoice":  qbo.ObjectInvoice,
	"payment":  qbo.ObjectPayment,
	"purchase": qbo.ObjectPurchase,
	"transfer": qbo.ObjectTransfer,
	"customer": qbo.ObjectCustomer,
	"vendor":   qbo.ObjectVendor,
	"account":  qbo.ObjectAccount,
	"item":     qbo.ObjectItem,
	"taxcode":  qbo.ObjectTaxCode,
}

// New starts a fake QBO server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		nextID:        100,
		records:       make(map[string][]qbo.Record),
		creates:       make(map[string]int),
		faults:        make(map[string]string),
		rates:         make(map[string]float64),
		homeCurrency:  "USD",
		usingSalesTax: true,
		validToken:    InitialToken,
		refreshToken:  InitialRefreshToken,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/oauth2/v1/tokens/bearer", s.handleToken)
	r.Route("/v3/company/{realm}", func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/query", s.handleQuery)
		r.Get("/preferences", s.handlePreferences)
		r.Get("/exchangerate", s.handleExchangeRate)
		r.Post("/{entity}", s.handleCreate)
	})

	s.srv = httptest.NewServer(r)
	t.Cleanup(s.srv.Close)
	return s
}

// APIURL returns the base URL to pass to qbo.ClientConfig.
func (s *Server) APIURL() string {
	return s.srv.URL + "/v3/company"
}

// TokenURL returns the OAuth token endpoint.
func (s *Server) TokenURL() string {
	return s.srv.URL + "/oauth2/v1/tokens/bearer"
}

// SetHomeCurrency changes the company home currency.
func (s *Server) SetHomeCurrency(currency string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.homeCurrency = currency
}

// SetUsingSalesTax toggles the company sales tax preference.
func (s *Server) SetUsingSalesTax(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usingSalesTax = enabled
}

// SetExchangeRate sets the rate returned for a source currency.
func (s *Server) SetExchangeRate(currency string, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[strings.ToUpper(currency)] = rate
}

// FailCreate makes every create of objectType fail with a fault carrying detail.
func (s *Server) FailCreate(objectType, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if detail == "" {
		delete(s.faults, objectType)
		return
	}
	s.faults[objectType] = detail
}

// ExpireToken invalidates the current access token.
func (s *Server) ExpireToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validToken = ""
}

// Refreshes returns how many times the token endpoint issued a token.
func (s *Server) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

// Seed stores a record and returns its id.
func (s *Server) Seed(objectType string, record qbo.Record) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(objectType, record)
}

// SeedTaxCode stores a tax code with a single sales tax rate.
func (s *Server) SeedTaxCode(id, name, rateID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[qbo.ObjectTaxCode] = append(s.records[qbo.ObjectTaxCode], qbo.Record{
		"Id":   id,
		"Name": name,
		"SalesTaxRateList": map[string]any{
			"TaxRateDetail": []any{
				map[string]any{"TaxRateRef": map[string]any{"value": rateID}},
			},
		},
	})
}

// Delete removes a stored record, as if it was deleted in QBO.
func (s *Server) Delete(objectType, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[objectType][:0]
	for _, rec := range s.records[objectType] {
		if rec.ID() != id {
			kept = append(kept, rec)
		}
	}
	s.records[objectType] = kept
}

// Records returns the stored records of objectType.
func (s *Server) Records(objectType string) []qbo.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]qbo.Record, len(s.records[objectType]))
	copy(out, s.records[objectType])
	return out
}

// Creates returns how many records of objectType were created over HTTP.
func (s *Server) Creates(objectType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates[objectType]
}

// TotalCreates returns the number of create calls across all types.
func (s *Server) TotalCreates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.creates {
		total += n
	}
	return total
}

func (s *Server) store(objectType string, record qbo.Record) string {
	s.nextID++
	id := strconv.Itoa(s.nextID)
	record["Id"] = id
	s.records[objectType] = append(s.records[objectType], record)
	return id
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		s.mu.Lock()
		valid := s.validToken != "" && token == s.validToken
		s.mu.Unlock()

		if !valid {
			writeFault(w, http.StatusUnauthorized, "AUTHENTICATION", "AuthenticationFailed", "Token expired")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != s.refreshToken {
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
		return
	}
	s.refreshes++
	s.validToken = fmt.Sprintf("access-%d", s.refreshes)
	s.refreshToken = fmt.Sprintf("refresh-%d", s.refreshes)
	resp := map[string]any{
		"access_token":  s.validToken,
		"refresh_token": s.refreshToken,
		"token_type":    "bearer",
		"expires_in":    3600,
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	objectType, conds, err := parseQuery(r.URL.Query().Get("query"))
	if err != nil {
		writeFault(w, http.StatusBadRequest, "ValidationFault", "QueryParserError", err.Error())
		return
	}

	s.mu.Lock()
	var matches []qbo.Record
	for _, rec := range s.records[objectType] {
		if matchAll(rec, conds) {
			matches = append(matches, rec)
		}
	}
	s.mu.Unlock()

	body := map[string]any{}
	if len(matches) > 0 {
		body[objectType] = matches
		body["maxResults"] = len(matches)
	}
	writeJSON(w, http.StatusOK, map[string]any{"QueryResponse": body})
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	prefs := map[string]any{
		"CurrencyPrefs": map[string]any{
			"HomeCurrency":         map[string]any{"value": s.homeCurrency},
			"MultiCurrencyEnabled": true,
		},
		"TaxPrefs": map[string]any{"UsingSalesTax": s.usingSalesTax},
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"Preferences": prefs})
}

func (s *Server) handleExchangeRate(w http.ResponseWriter, r *http.Request) {
	source := strings.ToUpper(r.URL.Query().Get("sourcecurrencycode"))

	s.mu.Lock()
	rate, ok := s.rates[source]
	home := s.homeCurrency
	s.mu.Unlock()

	if !ok {
		writeFault(w, http.StatusBadRequest, "ValidationFault", "Object Not Found", "No exchange rate for "+source)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ExchangeRate": map[string]any{
			"SourceCurrencyCode": source,
			"TargetCurrencyCode": home,
			"Rate":               rate,
			"AsOfDate":           r.URL.Query().Get("asofdate"),
		},
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	objectType, ok := objectTypes[chi.URLParam(r, "entity")]
	if !ok {
		writeFault(w, http.StatusBadRequest, "ValidationFault", "Unsupported Operation", "unknown entity")
		return
	}

	var record qbo.Record
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		writeFault(w, http.StatusBadRequest, "ValidationFault", "Request has invalid or unsupported property", err.Error())
		return
	}

	s.mu.Lock()
	if detail, failing := s.faults[objectType]; failing {
		s.mu.Unlock()
		writeFault(w, http.StatusBadRequest, "ValidationFault", "Business Validation Error", detail)
		return
	}
	if name, ok := record["DisplayName"].(string); ok && s.hasName(objectType, "DisplayName", name) {
		s.mu.Unlock()
		writeFault(w, http.StatusBadRequest, "ValidationFault", "Duplicate Name Exists Error", "The name supplied already exists. : "+name)
		return
	}
	if _, hasCurrency := record["CurrencyRef"]; !hasCurrency && (objectType == qbo.ObjectCustomer || objectType == qbo.ObjectVendor) {
		record["CurrencyRef"] = map[string]any{"value": s.homeCurrency}
	}
	s.store(objectType, record)
	s.creates[objectType]++
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{objectType: record})
}

func (s *Server) hasName(objectType, field, name string) bool {
	for _, rec := range s.records[objectType] {
		if rec.String(field) == name {
			return true
		}
	}
	return false
}

type condition struct {
	field string
	value string
}

// parseQuery parses "select * from X [where A = 'v' and B = 'w']".
func parseQuery(stmt string) (string, []condition, error) {
	const prefix = "select * from "
	if !strings.HasPrefix(strings.ToLower(stmt), prefix) {
		return "", nil, fmt.Errorf("unsupported query: %s", stmt)
	}
	rest := strings.TrimSpace(stmt[len(prefix):])

	objectType := rest
	where := ""
	if i := strings.Index(rest, " "); i >= 0 {
		objectType = rest[:i]
		where = strings.TrimSpace(rest[i:])
	}
	if where == "" {
		return objectType, nil, nil
	}
	if !strings.HasPrefix(strings.ToLower(where), "where ") {
		return "", nil, fmt.Errorf("unsupported clause: %s", where)
	}
	where = where[len("where "):]

	var conds []condition
	for {
		eq := strings.Index(where, "=")
		if eq < 0 {
			return "", nil, fmt.Errorf("missing '=' in %s", where)
		}
		field := strings.TrimSpace(where[:eq])
		value, remaining, err := readLiteral(strings.TrimSpace(where[eq+1:]))
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, condition{field: field, value: value})

		remaining = strings.TrimSpace(remaining)
		if remaining == "" {
			return objectType, conds, nil
		}
		if !strings.HasPrefix(strings.ToLower(remaining), "and ") {
			return "", nil, fmt.Errorf("unsupported clause: %s", remaining)
		}
		where = remaining[len("and "):]
	}
}

func readLiteral(s string) (string, string, error) {
	if !strings.HasPrefix(s, "'") {
		return "", "", fmt.Errorf("expected quoted literal: %s", s)
	}
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			}
		case '\'':
			return b.String(), s[i+1:], nil
		default:
			b.WriteByte(s[i])
		}
	}
	return "", "", fmt.Errorf("unterminated literal: %s", s)
}

func matchAll(rec qbo.Record, conds []condition) bool {
	for _, c := range conds {
		value := rec.String(c.field)
		if value == "" {
			value = rec.RefValue(c.field)
		}
		if value != c.value {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeFault(w http.ResponseWriter, status int, faultType, message, detail string) {
	writeJSON(w, status, map[string]any{
		"Fault": map[string]any{
			"Error": []any{map[string]any{"Message": message, "Detail": detail, "code": "6000"}},
			"type":  faultType,
		},
	})
}
