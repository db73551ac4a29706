package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
companies:
  "4620816365":
    clearing_account_id: "10"
    payout_account_id: "11"
    vendor_id: "12"
    fee_account_id: "13"
    default_tax_code_id: "5"
    exempt_tax_code_id: NON
    currencies:
      CAD:
        clearing_account_id: "20"
        vendor_id: "22"
  "incomplete":
    clearing_account_id: "10"
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0644))
	return path
}

func TestLoadAndForRealm(t *testing.T) {
	file, err := Load(writeSample(t))
	require.NoError(t, err)

	s, err := file.ForRealm("4620816365")
	require.NoError(t, err)
	assert.Equal(t, "10", s.ClearingAccountID)
	assert.Equal(t, "13", s.FeeAccountID)

	_, err = file.ForRealm("missing")
	assert.ErrorIs(t, err, ErrUnknownRealm)

	_, err = file.ForRealm("incomplete")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payout_account_id")
}

func TestForCurrency(t *testing.T) {
	file, err := Load(writeSample(t))
	require.NoError(t, err)
	s, err := file.ForRealm("4620816365")
	require.NoError(t, err)

	cad := s.ForCurrency("cad")
	assert.Equal(t, "20", cad.ClearingAccountID)
	assert.Equal(t, "11", cad.PayoutAccountID, "unset overrides keep the base value")
	assert.Equal(t, "22", cad.VendorID)
	assert.True(t, s.HasCurrency("CAD"))

	eur := s.ForCurrency("EUR")
	assert.Equal(t, s.ClearingAccountID, eur.ClearingAccountID)
	assert.False(t, s.HasCurrency("EUR"))
}

func TestPseudoTaxCodes(t *testing.T) {
	tests := []struct {
		name          string
		defaultCode   string
		exemptCode    string
		defaultPseudo bool
		exemptPseudo  bool
		real          []string
	}{
		{"both pseudo", "TAX", "NON", true, true, nil},
		{"empty codes", "", "", true, true, nil},
		{"both real", "5", "6", false, false, []string{"5", "6"}},
		{"real default only", "5", "NON", false, true, []string{"5"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Settings{DefaultTaxCodeID: tt.defaultCode, ExemptTaxCodeID: tt.exemptCode}
			assert.Equal(t, tt.defaultPseudo, s.DefaultTaxIsPseudo())
			assert.Equal(t, tt.exemptPseudo, s.ExemptTaxIsPseudo())
			assert.Equal(t, tt.real, s.RealTaxCodeIDs())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")
	file := &File{Companies: map[string]Settings{
		"1": {ClearingAccountID: "a", PayoutAccountID: "b", VendorID: "c", FeeAccountID: "d"},
	}}
	require.NoError(t, file.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	s, err := loaded.ForRealm("1")
	require.NoError(t, err)
	assert.Equal(t, "d", s.FeeAccountID)
}

func TestUpdateMergesAndSaves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")
	file, err := LoadOrEmpty(path)
	require.NoError(t, err)
	assert.Empty(t, file.Companies)

	_, err = file.Update("1", Settings{ClearingAccountID: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vendor_id")
	assert.NotContains(t, file.Companies, "1", "invalid updates are not applied")

	_, err = file.Update("1", Settings{ClearingAccountID: "a", PayoutAccountID: "b", VendorID: "c", FeeAccountID: "d"})
	require.NoError(t, err)
	s, err := file.Update("1", Settings{
		DefaultTaxCodeID: "5",
		Currencies:       map[string]CurrencySettings{"cad": {VendorID: "22"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "a", s.ClearingAccountID, "empty fields keep the current value")
	assert.Equal(t, "5", s.DefaultTaxCodeID)
	require.NoError(t, file.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	got, err := loaded.ForRealm("1")
	require.NoError(t, err)
	assert.Equal(t, "d", got.FeeAccountID)
	assert.Equal(t, "22", got.ForCurrency("CAD").VendorID)
}
