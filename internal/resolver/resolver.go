// Package resolver maps external invoice lines onto the local catalog.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"stripesync/internal/ledger"
	"stripesync/internal/logger"
	"stripesync/pkg/models"
)

// Resolution messages
const (
	MsgProductMissing   = "product missing on external line"
	MsgNoCorrelation    = "no correlation for external product %s"
	MsgProductNotFound  = "correlated local product not found"
	MsgLookupFailed     = "catalog lookup failed"
	MsgTaxProfileFailed = "tax profile not found for local product"
)

// Resolver resolves external lines against a ledger catalog.
type Resolver struct {
	catalog ledger.Catalog
	log     zerolog.Logger
}

// New creates a Resolver.
func New(catalog ledger.Catalog) *Resolver {
	return &Resolver{
		catalog: catalog,
		log:     logger.WithComponent("resolver"),
	}
}

// Resolve maps one line. A line that cannot be resolved comes back with an
// empty LocalProductID and zero tax fields, together with the diagnostics
// explaining why.
func (r *Resolver) Resolve(ctx context.Context, accountIndex int, line models.ExternalInvoiceLine) (models.ResolvedLine, []models.ResultError) {
	resolved := models.ResolvedLine{
		ProductRef:  line.ProductRef,
		Quantity:    line.Quantity,
		UnitAmount:  decimal.New(line.UnitAmountMinor, -2),
		Amount:      decimal.New(line.AmountMinor, -2),
		Description: Description(line),
		PeriodStart: line.PeriodStart,
		PeriodEnd:   line.PeriodEnd,
	}
	where := fmt.Sprintf("line %q", resolved.Description)

	if line.ProductRef == "" {
		return resolved, []models.ResultError{{Message: MsgProductMissing, Context: where}}
	}

	productID, err := r.catalog.ProductCorrelation(ctx, accountIndex, line.ProductRef)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return resolved, []models.ResultError{{Message: fmt.Sprintf(MsgNoCorrelation, line.ProductRef), Context: where}}
		}
		return resolved, []models.ResultError{{Message: MsgLookupFailed, Context: fmt.Sprintf("%s: %v", where, err)}}
	}

	product, err := r.catalog.Product(ctx, productID)
	if err != nil {
		msg := MsgLookupFailed
		if errors.Is(err, ledger.ErrNotFound) {
			msg = MsgProductNotFound
		}
		return resolved, []models.ResultError{{Message: msg, Context: fmt.Sprintf("%s: local product %s", where, productID)}}
	}

	tax, err := r.catalog.TaxProfile(ctx, product.ID)
	if err != nil {
		return resolved, []models.ResultError{{Message: MsgTaxProfileFailed, Context: fmt.Sprintf("%s: local product %s: %v", where, product.ID, err)}}
	}

	resolved.LocalProductID = product.ID
	resolved.ProductReference = product.Reference
	resolved.TaxCode = tax.Code
	resolved.VATRate = tax.VATRate
	resolved.SurchargeRate = tax.SurchargeRate
	return resolved, nil
}

// ResolveAll resolves every line in order. It never stops at the first
// failure, so the returned diagnostics cover the whole invoice.
func (r *Resolver) ResolveAll(ctx context.Context, accountIndex int, lines []models.ExternalInvoiceLine) ([]models.ResolvedLine, []models.ResultError) {
	resolved := make([]models.ResolvedLine, 0, len(lines))
	var errs []models.ResultError

	for _, line := range lines {
		rl, lineErrs := r.Resolve(ctx, accountIndex, line)
		resolved = append(resolved, rl)
		errs = append(errs, lineErrs...)
	}

	if len(errs) > 0 {
		r.log.Debug().
			Int("account_index", accountIndex).
			Int("lines", len(lines)).
			Int("errors", len(errs)).
			Msg("Line resolution incomplete")
	}
	return resolved, errs
}

// Description joins the plan name and the line description.
func Description(line models.ExternalInvoiceLine) string {
	switch {
	case line.PlanName == "":
		return line.Description
	case line.Description == "":
		return line.PlanName
	}
	return line.PlanName + " " + line.Description
}
