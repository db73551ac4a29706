// Package settings loads the per-company sync settings from YAML.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pseudo tax codes have no rate object in QBO.
const (
	PseudoTaxCode    = "TAX"
	PseudoExemptCode = "NON"
)

// ErrUnknownRealm is returned when no settings exist for a realm.
var ErrUnknownRealm = errors.New("no settings for realm")

// CurrencySettings overrides the accounts and vendor for one currency.
type CurrencySettings struct {
	ClearingAccountID string `yaml:"clearing_account_id"`
	PayoutAccountID   string `yaml:"payout_account_id"`
	VendorID          string `yaml:"vendor_id"`
}

// Settings is the sync configuration of one QBO company.
type Settings struct {
	ClearingAccountID      string                      `yaml:"clearing_account_id"`
	PayoutAccountID        string                      `yaml:"payout_account_id"`
	VendorID               string                      `yaml:"vendor_id"`
	FeeAccountID           string                      `yaml:"fee_account_id"`
	DefaultIncomeAccountID string                      `yaml:"default_income_account_id,omitempty"`
	DefaultTaxCodeID       string                      `yaml:"default_tax_code_id"`
	ExemptTaxCodeID        string                      `yaml:"exempt_tax_code_id"`
	Currencies             map[string]CurrencySettings `yaml:"currencies,omitempty"`
}

// File is the on-disk settings document, keyed by realm id.
type File struct {
	Companies map[string]Settings `yaml:"companies"`
}

// Load reads a settings file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if file.Companies == nil {
		file.Companies = make(map[string]Settings)
	}

	return &file, nil
}

// Save writes the settings file, creating parent directories.
func (f *File) Save(path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}

// LoadOrEmpty reads a settings file, returning an empty document if it
// does not exist yet.
func LoadOrEmpty(path string) (*File, error) {
	file, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &File{Companies: make(map[string]Settings)}, nil
	}
	return file, err
}

// Update merges the non-empty fields of update into the settings of a realm
// and returns the validated result. The file is changed only when the
// result is valid.
func (f *File) Update(realmID string, update Settings) (Settings, error) {
	merged := f.Companies[realmID].merge(update)
	if err := merged.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings for realm %s: %w", realmID, err)
	}
	if f.Companies == nil {
		f.Companies = make(map[string]Settings)
	}
	f.Companies[realmID] = merged
	return merged, nil
}

func (s Settings) merge(update Settings) Settings {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&s.ClearingAccountID, update.ClearingAccountID)
	set(&s.PayoutAccountID, update.PayoutAccountID)
	set(&s.VendorID, update.VendorID)
	set(&s.FeeAccountID, update.FeeAccountID)
	set(&s.DefaultIncomeAccountID, update.DefaultIncomeAccountID)
	set(&s.DefaultTaxCodeID, update.DefaultTaxCodeID)
	set(&s.ExemptTaxCodeID, update.ExemptTaxCodeID)

	if len(update.Currencies) > 0 {
		currencies := make(map[string]CurrencySettings, len(s.Currencies)+len(update.Currencies))
		for code, c := range s.Currencies {
			currencies[code] = c
		}
		for code, c := range update.Currencies {
			code = strings.ToUpper(code)
			current := currencies[code]
			set(&current.ClearingAccountID, c.ClearingAccountID)
			set(&current.PayoutAccountID, c.PayoutAccountID)
			set(&current.VendorID, c.VendorID)
			currencies[code] = current
		}
		s.Currencies = currencies
	}
	return s
}

// ForRealm returns the validated settings of a realm.
func (f *File) ForRealm(realmID string) (Settings, error) {
	s, ok := f.Companies[realmID]
	if !ok {
		return Settings{}, fmt.Errorf("%w %s", ErrUnknownRealm, realmID)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings for realm %s: %w", realmID, err)
	}
	return s, nil
}

// Validate checks that every required id is set.
// Tax code ids may be empty, which selects the pseudo codes.
func (s Settings) Validate() error {
	var missing []string
	if s.ClearingAccountID == "" {
		missing = append(missing, "clearing_account_id")
	}
	if s.PayoutAccountID == "" {
		missing = append(missing, "payout_account_id")
	}
	if s.VendorID == "" {
		missing = append(missing, "vendor_id")
	}
	if s.FeeAccountID == "" {
		missing = append(missing, "fee_account_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %v", missing)
	}
	return nil
}

// ForCurrency returns a copy with the currency-qualified overrides applied.
func (s Settings) ForCurrency(currency string) Settings {
	override, ok := s.Currencies[strings.ToUpper(currency)]
	if !ok {
		override, ok = s.Currencies[strings.ToLower(currency)]
	}
	if !ok {
		return s
	}

	out := s
	if override.ClearingAccountID != "" {
		out.ClearingAccountID = override.ClearingAccountID
	}
	if override.PayoutAccountID != "" {
		out.PayoutAccountID = override.PayoutAccountID
	}
	if override.VendorID != "" {
		out.VendorID = override.VendorID
	}
	return out
}

// HasCurrency reports whether currency-qualified settings exist.
func (s Settings) HasCurrency(currency string) bool {
	if _, ok := s.Currencies[strings.ToUpper(currency)]; ok {
		return true
	}
	_, ok := s.Currencies[strings.ToLower(currency)]
	return ok
}

// DefaultTaxIsPseudo reports whether the default tax code is the untracked "TAX" code.
func (s Settings) DefaultTaxIsPseudo() bool {
	return s.DefaultTaxCodeID == "" || s.DefaultTaxCodeID == PseudoTaxCode
}

// ExemptTaxIsPseudo reports whether the exempt tax code is the untracked "NON" code.
func (s Settings) ExemptTaxIsPseudo() bool {
	return s.ExemptTaxCodeID == "" || s.ExemptTaxCodeID == PseudoExemptCode
}

// RealTaxCodeIDs returns the configured tax codes that must be fetched from QBO.
func (s Settings) RealTaxCodeIDs() []string {
	var ids []string
	if !s.DefaultTaxIsPseudo() {
		ids = append(ids, s.DefaultTaxCodeID)
	}
	if !s.ExemptTaxIsPseudo() && s.ExemptTaxCodeID != s.DefaultTaxCodeID {
		ids = append(ids, s.ExemptTaxCodeID)
	}
	sort.Strings(ids)
	return ids
}
