// rows.go - Projection of one extraction result into flat reconciliation rows

package pipeline

import (
	"fmt"
	"strings"

	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/ai"
	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/dates"
)

// Row is one line item flattened with its header fields and run metadata.
// Field names match the invoices table columns.
type Row struct {
	RowID        string  `bson:"row_id" json:"row_id"`
	ImageHash    string  `bson:"image_hash" json:"image_hash"`
	ReceiptLink  string  `bson:"receipt_link" json:"receipt_link"`
	UploadDate   string  `bson:"upload_date" json:"upload_date"`
	ReviewStatus string  `bson:"review_status" json:"review_status"`
	Confidence   float64 `bson:"confidence" json:"confidence"`

	CalculatedAmount float64 `bson:"calculated_amount" json:"calculated_amount"`
	AmountMismatch   float64 `bson:"amount_mismatch" json:"amount_mismatch"`

	ModelUsed     string  `bson:"model_used" json:"model_used"`
	ModelAccuracy float64 `bson:"model_accuracy" json:"model_accuracy"`
	InputTokens   int     `bson:"input_tokens" json:"input_tokens"`
	OutputTokens  int     `bson:"output_tokens" json:"output_tokens"`
	TotalTokens   int     `bson:"total_tokens" json:"total_tokens"`
	CostINR       float64 `bson:"cost_inr" json:"cost_inr"`

	FallbackAttempted bool   `bson:"fallback_attempted" json:"fallback_attempted"`
	FallbackReason    string `bson:"fallback_reason,omitempty" json:"fallback_reason,omitempty"`
	ProcessingErrors  string `bson:"processing_errors,omitempty" json:"processing_errors,omitempty"`

	ReceiptNumber string  `bson:"receipt_number" json:"receipt_number"`
	Date          string  `bson:"date" json:"date"`
	Description   string  `bson:"description" json:"description"`
	Quantity      float64 `bson:"quantity" json:"quantity"`
	Rate          float64 `bson:"rate" json:"rate"`
	Amount        float64 `bson:"amount" json:"amount"`

	CustomerName    string  `bson:"customer_name" json:"customer_name"`
	MobileNumber    string  `bson:"mobile_number,omitempty" json:"mobile_number,omitempty"`
	CarNumber       string  `bson:"car_number,omitempty" json:"car_number,omitempty"`
	Odometer        string  `bson:"odometer,omitempty" json:"odometer,omitempty"`
	TotalBillAmount float64 `bson:"total_bill_amount,omitempty" json:"total_bill_amount,omitempty"`
	ItemType        string  `bson:"type,omitempty" json:"type,omitempty"`

	PatientName        string `bson:"patient_name,omitempty" json:"patient_name,omitempty"`
	PatientID          string `bson:"patient_id,omitempty" json:"patient_id,omitempty"`
	PrescriptionNumber string `bson:"prescription_number,omitempty" json:"prescription_number,omitempty"`
	DoctorName         string `bson:"doctor_name,omitempty" json:"doctor_name,omitempty"`

	Username     string `bson:"username" json:"username"`
	IndustryType string `bson:"industry_type" json:"industry_type"`
}

// RowMeta carries tenant and document identity attached to every row.
type RowMeta struct {
	Username    string
	Industry    string
	ReceiptLink string
	UploadDate  string
	ImageHash   string
}

// ProjectRows flattens an extraction result: one row per line item, header
// fields duplicated in, derived amounts computed. An empty item list is valid
// and yields no rows.
func ProjectRows(res *ai.Result, meta RowMeta) []Row {
	header := res.Header
	receiptNumber := ai.SafeString(header["receipt_number"])

	// Unparseable dates fall back to the current processing date rather
	// than leaving the column unset.
	date := dates.FormatToDB(ai.SafeString(header["date"]))

	rows := make([]Row, 0, len(res.Items))
	for idx, item := range res.Items {
		qty := ai.SafeFloat(item["quantity"], 1)
		rate := ai.SafeFloat(item["rate"], 0)
		amount := ai.SafeFloat(item["amount"], 0)

		calc := qty * rate
		mismatch := calc - amount
		if mismatch < 0 {
			mismatch = -mismatch
		}

		rows = append(rows, Row{
			RowID:        fmt.Sprintf("%s_%d", receiptNumber, idx),
			ImageHash:    meta.ImageHash,
			ReceiptLink:  meta.ReceiptLink,
			UploadDate:   meta.UploadDate,
			ReviewStatus: "Pending",
			Confidence:   ai.SafeFloat(item["confidence"], 0),

			CalculatedAmount: calc,
			AmountMismatch:   mismatch,

			ModelUsed:     res.ModelUsed,
			ModelAccuracy: res.ModelAccuracy,
			InputTokens:   res.InputTokens,
			OutputTokens:  res.OutputTokens,
			TotalTokens:   res.TotalTokens,
			CostINR:       res.CostINR,

			FallbackAttempted: res.FallbackAttempted,
			FallbackReason:    res.FallbackReason,
			ProcessingErrors:  strings.Join(res.ProcessingErrors, " | "),

			ReceiptNumber: receiptNumber,
			Date:          date,
			Description:   ai.SafeString(item["description"]),
			Quantity:      qty,
			Rate:          rate,
			Amount:        amount,

			CustomerName:    ai.SafeString(header["customer_name"]),
			MobileNumber:    ai.SafeString(header["mobile_number"]),
			CarNumber:       ai.SafeString(header["car_number"]),
			Odometer:        ai.SafeString(header["odometer"]),
			TotalBillAmount: ai.SafeFloat(header["total_bill_amount"], 0),
			ItemType:        ai.SafeString(item["type"]),

			PatientName:        ai.SafeString(header["patient_name"]),
			PatientID:          ai.SafeString(header["patient_id"]),
			PrescriptionNumber: ai.SafeString(header["prescription_number"]),
			DoctorName:         ai.SafeString(header["doctor_name"]),

			Username:     meta.Username,
			IndustryType: meta.Industry,
		})
	}
	return rows
}
