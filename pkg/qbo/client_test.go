package qbo_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/qbo"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/qbo/qbotest"
)

func newTestClient(t *testing.T, fake *qbotest.Server) *qbo.Client {
	t.Helper()
	client, _ := newTestSession(t, fake)
	return client
}

func newTestSession(t *testing.T, fake *qbotest.Server) (*qbo.Client, *qbo.Session) {
	t.Helper()

	sess := qbo.NewSession("123", qbo.NewOAuthConfig("client", "secret", fake.TokenURL()),
		&oauth2.Token{AccessToken: qbotest.InitialToken, RefreshToken: qbotest.InitialRefreshToken})

	return qbo.NewClient(qbo.ClientConfig{
		APIURL:    fake.APIURL(),
		Session:   sess,
		RateLimit: 1000,
	}), sess
}

func TestQueryFiltersByEqualityPredicates(t *testing.T) {
	fake := qbotest.New(t)
	fake.Seed(qbo.ObjectPayment, qbo.Record{"TxnDate": "2024-01-02", "CustomerRef": map[string]any{"value": "7"}, "PrivateNote": "a"})
	fake.Seed(qbo.ObjectPayment, qbo.Record{"TxnDate": "2024-01-03", "CustomerRef": map[string]any{"value": "7"}, "PrivateNote": "b"})
	client := newTestClient(t, fake)

	records, err := client.Query(context.Background(), qbo.ObjectPayment, "TxnDate = '2024-01-02' and CustomerRef = '7'")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].PrivateNote())

	none, err := client.Query(context.Background(), qbo.ObjectInvoice, "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestQueryQuotesNames(t *testing.T) {
	fake := qbotest.New(t)
	fake.Seed(qbo.ObjectCustomer, qbo.Record{"DisplayName": "O'Brien", "CurrencyRef": map[string]any{"value": "USD"}})
	client := newTestClient(t, fake)

	records, err := client.Query(context.Background(), qbo.ObjectCustomer, "DisplayName = "+qbo.Quote("O'Brien"))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "USD", records[0].RefValue("CurrencyRef"))
}

func TestCreateReturnsRecord(t *testing.T) {
	fake := qbotest.New(t)
	client := newTestClient(t, fake)

	rec, err := client.Create(context.Background(), qbo.ObjectTransfer, qbo.Transfer{
		Amount:         50,
		FromAccountRef: qbo.Ref{Value: "1"},
		ToAccountRef:   qbo.Ref{Value: "2"},
		TxnDate:        "2024-01-02",
		PrivateNote:    "payout\npo_1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID())
	assert.Equal(t, 1, fake.Creates(qbo.ObjectTransfer))
}

func TestCreateFaultBecomesFaultError(t *testing.T) {
	fake := qbotest.New(t)
	fake.FailCreate(qbo.ObjectPurchase, "Account is inactive")
	client := newTestClient(t, fake)

	_, err := client.Create(context.Background(), qbo.ObjectPurchase, qbo.Expense{PaymentType: "Check"})
	require.Error(t, err)

	var fault *qbo.FaultError
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, "Account is inactive", fault.Detail())
	assert.Zero(t, fake.Creates(qbo.ObjectPurchase))
}

func TestGetTaxCode(t *testing.T) {
	fake := qbotest.New(t)
	fake.SeedTaxCode("5", "GST", "9")
	client := newTestClient(t, fake)

	code, err := client.GetTaxCode(context.Background(), "5")
	require.NoError(t, err)
	require.NotNil(t, code)
	ref, ok := code.RateRef()
	require.True(t, ok)
	assert.Equal(t, "9", ref.Value)

	missing, err := client.GetTaxCode(context.Background(), "404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListTaxCodes(t *testing.T) {
	fake := qbotest.New(t)
	client := newTestClient(t, fake)

	codes, err := client.ListTaxCodes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, codes)

	fake.SeedTaxCode("5", "GST", "9")
	fake.SeedTaxCode("6", "PST", "10")

	codes, err = client.ListTaxCodes(context.Background())
	require.NoError(t, err)
	require.Len(t, codes, 2)
	assert.Equal(t, "GST", codes[0].Name)
	assert.Equal(t, "6", codes[1].ID)
}

func TestPreferencesAndExchangeRate(t *testing.T) {
	fake := qbotest.New(t)
	fake.SetHomeCurrency("CAD")
	fake.SetExchangeRate("USD", 1.35)
	client := newTestClient(t, fake)

	home, err := client.HomeCurrency(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "CAD", home)

	rate, err := client.GetExchangeRate(context.Background(), "usd", "2024-01-02")
	require.NoError(t, err)
	assert.InDelta(t, 1.35, rate, 1e-9)

	_, err = client.GetExchangeRate(context.Background(), "EUR", "2024-01-02")
	assert.Error(t, err)
}

func TestUnauthorizedRefreshesOnceAcrossConcurrentCalls(t *testing.T) {
	fake := qbotest.New(t)
	client, sess := newTestSession(t, fake)

	var mu sync.Mutex
	var persisted []string
	sess.OnRefresh(func(_ context.Context, tok *oauth2.Token) error {
		mu.Lock()
		defer mu.Unlock()
		persisted = append(persisted, tok.RefreshToken)
		return nil
	})

	fake.ExpireToken()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Query(context.Background(), qbo.ObjectCustomer, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fake.Refreshes())
	assert.Equal(t, []string{"refresh-1"}, persisted)
	assert.Equal(t, "access-1", sess.Token().AccessToken)
}

func TestRefreshWithoutRefreshTokenFails(t *testing.T) {
	fake := qbotest.New(t)
	client := qbo.NewClient(qbo.ClientConfig{
		APIURL:    fake.APIURL(),
		Session:   qbo.NewSession("123", nil, &oauth2.Token{AccessToken: qbotest.InitialToken}),
		RateLimit: 1000,
	})
	fake.ExpireToken()

	_, err := client.Query(context.Background(), qbo.ObjectCustomer, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, qbo.ErrNoRefreshToken)
}
