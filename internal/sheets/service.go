// Package sheets writes import reports to a Google Sheet.
//
// Required Environment Variables:
//   - GOOGLE_APPLICATION_CREDENTIALS: Path to service account JSON file, OR
//   - GOOGLE_CREDENTIALS: Inline JSON credentials string
//
// The service account needs edit access to the target spreadsheet.
package sheets

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
	"stripesync/internal/logger"
	"stripesync/pkg/models"
)

const (
	dateLayout      = "02-01-2006"
	timestampLayout = "02-01-2006 15:04:05"
	lastColumn      = "K"
	columnCount     = 11
)

var headers = []interface{}{
	"Cuenta", "Factura Stripe", "Número", "Fecha", "Cliente", "Importe cobrado",
	"Estado", "Factura local", "Resultado", "Errores", "Procesado",
}

var spreadsheetIDPattern = regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9-_]+)`)

// Service handles Google Sheets operations
type Service struct {
	sheetsService *sheets.Service
	spreadsheetID string
	loc           *time.Location
	log           zerolog.Logger
	now           func() time.Time
}

// ImportReport pairs an external invoice with the outcome of importing it.
type ImportReport struct {
	Invoice models.ExternalInvoice
	Result  *models.ReconciliationResult
}

// ReportRow is one row of the report sheet.
type ReportRow struct {
	Account        int
	ExternalID     string
	Number         string
	Date           string
	Customer       string
	AmountPaid     float64
	State          string
	LocalInvoiceID string
	Outcome        string
	Errors         string
	ProcessedAt    string
}

// NewSheetsService creates a Sheets client from the Google credentials in
// the environment. Dates are written in loc.
func NewSheetsService(ctx context.Context, sheetURL string, loc *time.Location) (*Service, error) {
	const op = "NewSheetsService"

	var creds []byte
	var err error
	if credsFile := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); credsFile != "" {
		creds, err = os.ReadFile(credsFile)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to read credentials file: %w", op, err)
		}
	} else if credsJSON := os.Getenv("GOOGLE_CREDENTIALS"); credsJSON != "" {
		creds = []byte(credsJSON)
	} else {
		return nil, fmt.Errorf("%s: neither GOOGLE_APPLICATION_CREDENTIALS nor GOOGLE_CREDENTIALS is set", op)
	}

	config, err := google.JWTConfigFromJSON(creds, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse credentials: %w", op, err)
	}

	return New(ctx, sheetURL, loc, option.WithHTTPClient(config.Client(ctx)))
}

// New creates a Service with explicit client options.
func New(ctx context.Context, sheetURL string, loc *time.Location, opts ...option.ClientOption) (*Service, error) {
	const op = "New"

	spreadsheetID, err := extractSpreadsheetID(sheetURL)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to extract spreadsheet ID: %w", op, err)
	}

	sheetsService, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create sheets service: %w", op, err)
	}

	if loc == nil {
		loc = time.UTC
	}
	log := logger.WithComponent("sheets")
	log.Debug().Str("spreadsheet_id", spreadsheetID).Msg("Extracted spreadsheet ID")

	return &Service{
		sheetsService: sheetsService,
		spreadsheetID: spreadsheetID,
		loc:           loc,
		log:           log,
		now:           time.Now,
	}, nil
}

// extractSpreadsheetID extracts the spreadsheet ID from a Google Sheets URL
func extractSpreadsheetID(url string) (string, error) {
	matches := spreadsheetIDPattern.FindStringSubmatch(url)
	if len(matches) < 2 {
		return "", fmt.Errorf("invalid Google Sheets URL format")
	}
	return matches[1], nil
}

// WriteImportResults appends one row per report to sheetName, creating the
// sheet and its header row when missing.
func (s *Service) WriteImportResults(ctx context.Context, reports []ImportReport, sheetName string) error {
	const op = "WriteImportResults"

	if len(reports) == 0 {
		return nil
	}

	s.log.Info().
		Str("sheet", sheetName).
		Int("rows", len(reports)).
		Msg("Writing import results to Google Sheet")

	if err := s.ensureSheetWithHeaders(ctx, sheetName); err != nil {
		return fmt.Errorf("%s: failed to ensure sheet exists: %w", op, err)
	}

	var values [][]interface{}
	for _, row := range s.convertReportsToRows(reports) {
		values = append(values, row.values())
	}

	_, err := s.sheetsService.Spreadsheets.Values.Append(
		s.spreadsheetID,
		sheetName+"!A:"+lastColumn,
		&sheets.ValueRange{Values: values},
	).ValueInputOption("USER_ENTERED").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("%s: failed to append values to sheet: %w", op, err)
	}

	s.log.Info().
		Int("rows_written", len(values)).
		Msg("Successfully wrote import results to Google Sheet")
	return nil
}

func (s *Service) convertReportsToRows(reports []ImportReport) []ReportRow {
	processedAt := s.now().In(s.loc).Format(timestampLayout)

	rows := make([]ReportRow, 0, len(reports))
	for _, r := range reports {
		row := ReportRow{
			ExternalID:  r.Invoice.ID,
			Number:      r.Invoice.Number,
			Customer:    r.Invoice.CustomerEmail,
			AmountPaid:  float64(r.Invoice.AmountPaidMinor) / 100,
			ProcessedAt: processedAt,
		}
		if row.Customer == "" {
			row.Customer = r.Invoice.CustomerID
		}
		if r.Invoice.CreatedAt > 0 {
			row.Date = time.Unix(r.Invoice.CreatedAt, 0).In(s.loc).Format(dateLayout)
		}

		if res := r.Result; res != nil {
			row.Account = res.AccountIndex
			if row.ExternalID == "" {
				row.ExternalID = res.ExternalID
			}
			row.State = string(res.State)
			row.LocalInvoiceID = res.LocalInvoiceID
			row.Outcome = "Error"
			if res.Succeeded {
				row.Outcome = "OK"
			}
			row.Errors = joinErrors(res.Errors)
		}
		rows = append(rows, row)
	}
	return rows
}

func joinErrors(errs []models.ResultError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		if e.Context != "" {
			parts = append(parts, e.Message+" ("+e.Context+")")
			continue
		}
		parts = append(parts, e.Message)
	}
	return strings.Join(parts, "; ")
}

func (row ReportRow) values() []interface{} {
	return []interface{}{
		row.Account,        // A: Cuenta
		row.ExternalID,     // B: Factura Stripe
		row.Number,         // C: Número
		row.Date,           // D: Fecha
		row.Customer,       // E: Cliente
		row.AmountPaid,     // F: Importe cobrado
		row.State,          // G: Estado
		row.LocalInvoiceID, // H: Factura local
		row.Outcome,        // I: Resultado
		row.Errors,         // J: Errores
		row.ProcessedAt,    // K: Procesado
	}
}

// ensureSheetWithHeaders ensures the sheet exists and has proper headers
func (s *Service) ensureSheetWithHeaders(ctx context.Context, sheetName string) error {
	const op = "ensureSheetWithHeaders"

	spreadsheet, err := s.sheetsService.Spreadsheets.Get(s.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("%s: failed to get spreadsheet: %w", op, err)
	}

	var sheetExists bool
	var sheetID int64
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == sheetName {
			sheetExists = true
			sheetID = sheet.Properties.SheetId
			break
		}
	}

	if !sheetExists {
		s.log.Info().Str("sheet", sheetName).Msg("Creating new sheet")

		req := &sheets.BatchUpdateSpreadsheetRequest{
			Requests: []*sheets.Request{
				{AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: sheetName}}},
			},
		}
		resp, err := s.sheetsService.Spreadsheets.BatchUpdate(s.spreadsheetID, req).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("%s: failed to create sheet: %w", op, err)
		}
		if len(resp.Replies) > 0 && resp.Replies[0].AddSheet != nil {
			sheetID = resp.Replies[0].AddSheet.Properties.SheetId
		}
	}

	headerRange := fmt.Sprintf("%s!A1:%s1", sheetName, lastColumn)
	resp, err := s.sheetsService.Spreadsheets.Values.Get(s.spreadsheetID, headerRange).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("%s: failed to get headers: %w", op, err)
	}
	if len(resp.Values) > 0 && len(resp.Values[0]) > 0 {
		return nil
	}

	s.log.Info().Str("sheet", sheetName).Msg("Adding headers to sheet")
	_, err = s.sheetsService.Spreadsheets.Values.Update(
		s.spreadsheetID,
		headerRange,
		&sheets.ValueRange{Values: [][]interface{}{headers}},
	).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("%s: failed to add headers: %w", op, err)
	}

	if err := s.formatHeaders(ctx, sheetID); err != nil {
		s.log.Warn().Err(err).Msg("Failed to format headers, continuing anyway")
	}
	return nil
}

// formatHeaders makes the header row bold and resizes the columns
func (s *Service) formatHeaders(ctx context.Context, sheetID int64) error {
	const op = "formatHeaders"

	requests := []*sheets.Request{
		{
			RepeatCell: &sheets.RepeatCellRequest{
				Range: &sheets.GridRange{
					SheetId:          sheetID,
					StartRowIndex:    0,
					EndRowIndex:      1,
					StartColumnIndex: 0,
					EndColumnIndex:   columnCount,
				},
				Cell: &sheets.CellData{
					UserEnteredFormat: &sheets.CellFormat{
						TextFormat:      &sheets.TextFormat{Bold: true},
						BackgroundColor: &sheets.Color{Red: 0.9, Green: 0.9, Blue: 0.9},
					},
				},
				Fields: "userEnteredFormat(textFormat,backgroundColor)",
			},
		},
		{
			AutoResizeDimensions: &sheets.AutoResizeDimensionsRequest{
				Dimensions: &sheets.DimensionRange{
					SheetId:    sheetID,
					Dimension:  "COLUMNS",
					StartIndex: 0,
					EndIndex:   columnCount,
				},
			},
		},
	}

	req := &sheets.BatchUpdateSpreadsheetRequest{Requests: requests}
	if _, err := s.sheetsService.Spreadsheets.BatchUpdate(s.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("%s: failed to format headers: %w", op, err)
	}
	return nil
}
