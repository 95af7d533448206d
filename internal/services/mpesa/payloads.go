package mpesa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Daraja timestamps are East Africa Time without a zone marker
var eat = time.FixedZone("EAT", 3*60*60)

const timestampLayout = "20060102150405"

// C2B validation result codes
const (
	C2BAccepted       = "0"
	C2BInvalidMSISDN  = "C2B00011"
	C2BInvalidAccount = "C2B00012"
	C2BInvalidAmount  = "C2B00013"
	C2BOtherError     = "C2B00016"
)

// STK result codes with special meaning
const (
	ResultSuccess           = 0
	ResultStillProcessing   = 1032
	ErrorCodeBeingProcessed = "500.001.1001"
)

// FlexString accepts a JSON string or number. Daraja sends amounts and
// MSISDNs either way depending on the product.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(data))
	}
	*f = FlexString(n.String())
	return nil
}

// String returns the raw value
func (f FlexString) String() string {
	return string(f)
}

// Decimal parses the value as an amount
func (f FlexString) Decimal() (decimal.Decimal, error) {
	return decimal.NewFromString(strings.ReplaceAll(string(f), ",", ""))
}

// STKCallback is the body Daraja posts to the STK callback URL
type STKCallback struct {
	Body struct {
		StkCallback STKCallbackResult `json:"stkCallback"`
	} `json:"Body"`
}

// STKCallbackResult is the stkCallback envelope
type STKCallbackResult struct {
	MerchantRequestID string           `json:"MerchantRequestID"`
	CheckoutRequestID string           `json:"CheckoutRequestID"`
	ResultCode        FlexString       `json:"ResultCode"`
	ResultDesc        string           `json:"ResultDesc"`
	CallbackMetadata  CallbackMetadata `json:"CallbackMetadata"`
}

// CallbackMetadata holds the name/value items of a successful payment
type CallbackMetadata struct {
	Item []CallbackItem `json:"Item"`
}

// CallbackItem is a single metadata entry; Value may be missing
type CallbackItem struct {
	Name  string     `json:"Name"`
	Value FlexString `json:"Value"`
}

// STKResult is the canonical shape of an STK callback
type STKResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	ReceiptNumber     string
	Amount            decimal.Decimal
	PhoneNumber       string
	TransactionDate   time.Time
}

// Succeeded reports whether the payer completed the payment
func (r *STKResult) Succeeded() bool {
	return r.ResultCode == ResultSuccess
}

// Normalize validates the envelope and flattens the metadata items
func (c STKCallback) Normalize() (*STKResult, error) {
	cb := c.Body.StkCallback
	if strings.TrimSpace(cb.CheckoutRequestID) == "" {
		return nil, fmt.Errorf("stk callback without CheckoutRequestID")
	}

	code, err := strconv.Atoi(cb.ResultCode.String())
	if err != nil {
		return nil, fmt.Errorf("invalid stk result code %q: %w", cb.ResultCode, err)
	}

	result := &STKResult{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: strings.TrimSpace(cb.CheckoutRequestID),
		ResultCode:        code,
		ResultDesc:        cb.ResultDesc,
	}
	if !result.Succeeded() {
		return result, nil
	}

	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			amount, err := item.Value.Decimal()
			if err != nil {
				return nil, fmt.Errorf("invalid stk amount %q: %w", item.Value, err)
			}
			result.Amount = amount
		case "MpesaReceiptNumber":
			result.ReceiptNumber = strings.TrimSpace(item.Value.String())
		case "PhoneNumber":
			result.PhoneNumber = NormalizePhone(item.Value.String())
		case "TransactionDate":
			if t, err := ParseTimestamp(item.Value.String()); err == nil {
				result.TransactionDate = t
			}
		}
	}

	if !result.Amount.IsPositive() {
		return nil, fmt.Errorf("stk callback %s succeeded without a positive amount", result.CheckoutRequestID)
	}
	if result.TransactionDate.IsZero() {
		result.TransactionDate = time.Now()
	}
	return result, nil
}

// C2BPayload is the body of both C2B validation and confirmation requests
type C2BPayload struct {
	TransactionType   string     `json:"TransactionType"`
	TransID           string     `json:"TransID"`
	TransTime         string     `json:"TransTime"`
	TransAmount       FlexString `json:"TransAmount"`
	BusinessShortCode FlexString `json:"BusinessShortCode"`
	BillRefNumber     string     `json:"BillRefNumber"`
	InvoiceNumber     string     `json:"InvoiceNumber"`
	OrgAccountBalance FlexString `json:"OrgAccountBalance"`
	ThirdPartyTransID string     `json:"ThirdPartyTransID"`
	MSISDN            FlexString `json:"MSISDN"`
	FirstName         string     `json:"FirstName"`
	MiddleName        string     `json:"MiddleName"`
	LastName          string     `json:"LastName"`
}

// CustomerName joins the name parts Daraja reports
func (p C2BPayload) CustomerName() string {
	parts := make([]string, 0, 3)
	for _, part := range []string{p.FirstName, p.MiddleName, p.LastName} {
		if s := strings.TrimSpace(part); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// TransactionDate parses TransTime, falling back to now
func (p C2BPayload) TransactionDate() time.Time {
	if t, err := ParseTimestamp(p.TransTime); err == nil {
		return t
	}
	return time.Now()
}

// C2BResponse answers C2B validation and confirmation requests
type C2BResponse struct {
	ResultCode string `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// Accept is the response that lets a C2B payment through
func Accept() C2BResponse {
	return C2BResponse{ResultCode: C2BAccepted, ResultDesc: "Accepted"}
}

// Reject refuses a C2B payment with one of the documented codes
func Reject(code, desc string) C2BResponse {
	return C2BResponse{ResultCode: code, ResultDesc: desc}
}

// Accepted reports whether the response lets the payment through
func (r C2BResponse) Accepted() bool {
	return r.ResultCode == C2BAccepted
}

// ParseTimestamp parses a Daraja yyyyMMddHHmmss timestamp
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	// Numeric JSON values can arrive as floats, e.g. 2.0191122063845e+13
	if strings.ContainsAny(value, ".eE") {
		if d, err := decimal.NewFromString(value); err == nil {
			value = d.StringFixed(0)
		}
	}
	return time.ParseInLocation(timestampLayout, value, eat)
}

// Timestamp formats t the way Daraja expects in request passwords
func Timestamp(t time.Time) string {
	return t.In(eat).Format(timestampLayout)
}

// NormalizePhone converts Kenyan numbers to the 2547XXXXXXXX form. Values
// that are not plain numbers (Daraja may hash or mask MSISDNs) are returned
// trimmed but otherwise untouched.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	phone = strings.NewReplacer(" ", "", "-", "").Replace(phone)
	phone = strings.TrimPrefix(phone, "+")
	if phone == "" || !isDigits(phone) {
		return phone
	}

	switch {
	case strings.HasPrefix(phone, "254") && len(phone) == 12:
		return phone
	case strings.HasPrefix(phone, "0") && len(phone) == 10:
		return "254" + phone[1:]
	case len(phone) == 9 && (phone[0] == '7' || phone[0] == '1'):
		return "254" + phone
	}
	return phone
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
