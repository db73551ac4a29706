package converter

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/qbo"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/stripetxn"
)

// TaxDetail builds the invoice tax override so the QBO total tax matches
// the tax Stripe computed. TotalTax is always invoice.tax / 100.
//
// Tax on lines is attributed to the default tax code. The untaxed
// remainder (amount_due - tax - taxable) goes to the exempt code at 0%.
// Pseudo codes have no rate in QBO, so no line is emitted for them.
func (c *Converter) TaxDetail(inv stripetxn.Invoice, taxCodes TaxCodes) (qbo.TaxDetail, error) {
	var taxable int64
	var defaultLine *qbo.TaxLine
	var defaultTax, defaultTaxable decimal.Decimal

	for _, line := range inv.Lines {
		for _, ta := range line.TaxAmounts {
			if ta.TaxRate == nil {
				return qbo.TaxDetail{}, fmt.Errorf("tax amount on invoice line %s has no tax rate", line.ID)
			}
			taxable += ta.TaxableAmount

			if c.settings.DefaultTaxIsPseudo() {
				continue
			}

			if defaultLine == nil {
				rateRef, err := rateRefFor(taxCodes, c.settings.DefaultTaxCodeID)
				if err != nil {
					return qbo.TaxDetail{}, err
				}
				defaultLine = &qbo.TaxLine{
					DetailType: "TaxLineDetail",
					TaxLineDetail: qbo.TaxLineDetail{
						TaxRateRef:   &rateRef,
						PercentBased: true,
						TaxPercent:   ta.TaxRate.Percentage,
					},
				}
			}
			defaultTax = defaultTax.Add(toMajor(ta.Amount))
			defaultTaxable = defaultTaxable.Add(toMajor(ta.TaxableAmount))
		}
	}

	detail := qbo.TaxDetail{
		TotalTax: toMajor(inv.TaxTotal()).InexactFloat64(),
	}

	if defaultLine != nil {
		defaultLine.Amount = defaultTax.InexactFloat64()
		defaultLine.TaxLineDetail.NetAmountTaxable = defaultTaxable.InexactFloat64()
		detail.TaxLine = append(detail.TaxLine, *defaultLine)
	}

	untaxed := inv.AmountDue - inv.TaxTotal() - taxable
	if untaxed > 0 && !c.settings.ExemptTaxIsPseudo() {
		rateRef, err := rateRefFor(taxCodes, c.settings.ExemptTaxCodeID)
		if err != nil {
			return qbo.TaxDetail{}, err
		}
		detail.TaxLine = append(detail.TaxLine, qbo.TaxLine{
			DetailType: "TaxLineDetail",
			Amount:     0,
			TaxLineDetail: qbo.TaxLineDetail{
				TaxRateRef:       &rateRef,
				PercentBased:     true,
				TaxPercent:       0,
				NetAmountTaxable: toMajor(untaxed).InexactFloat64(),
			},
		})
	}

	return detail, nil
}

// TaxCodeError reports a configured tax code that cannot be used.
type TaxCodeError struct {
	ID      string
	Problem string
}

func (e *TaxCodeError) Error() string {
	return fmt.Sprintf("tax code %s %s", e.ID, e.Problem)
}

func rateRefFor(taxCodes TaxCodes, id string) (qbo.Ref, error) {
	code, ok := taxCodes[id]
	if !ok || code == nil {
		return qbo.Ref{}, &TaxCodeError{ID: id, Problem: "not found in QBO"}
	}
	ref, ok := code.RateRef()
	if !ok {
		return qbo.Ref{}, &TaxCodeError{ID: id, Problem: "has no sales tax rate"}
	}
	return ref, nil
}
