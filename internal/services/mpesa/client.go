package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/revaspay/reconciler/internal/config"
	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
)

const (
	// API endpoints
	sandboxBaseURL = "https://sandbox.safaricom.co.ke"
	prodBaseURL    = "https://api.safaricom.co.ke"

	tokenEndpoint       = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushEndpoint     = "/mpesa/stkpush/v1/processrequest"
	stkQueryEndpoint    = "/mpesa/stkpushquery/v1/query"
	registerURLEndpoint = "/mpesa/c2b/v1/registerurl"
)

// Client represents the Safaricom Daraja API client
type Client struct {
	BaseURL         string
	ShortCode       string
	PassKey         string
	ValidationURL   string
	ConfirmationURL string
	HTTPClient      *http.Client
	now             func() time.Time
}

// NewClient creates a Daraja client from configuration
func NewClient(cfg config.MpesaConfig) *Client {
	baseURL := sandboxBaseURL
	if strings.EqualFold(cfg.Environment, "production") {
		baseURL = prodBaseURL
	}
	return NewClientWithBaseURL(baseURL, cfg)
}

// NewClientWithBaseURL creates a client against an explicit base URL
func NewClientWithBaseURL(baseURL string, cfg config.MpesaConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL = strings.TrimRight(baseURL, "/")

	tokenHTTP := &http.Client{Timeout: timeout}
	source := oauth2.ReuseTokenSource(nil, &tokenSource{
		url:            baseURL + tokenEndpoint,
		consumerKey:    cfg.ConsumerKey,
		consumerSecret: cfg.ConsumerSecret,
		httpClient:     tokenHTTP,
	})

	return &Client{
		BaseURL:         baseURL,
		ShortCode:       cfg.ShortCode,
		PassKey:         cfg.PassKey,
		ValidationURL:   cfg.ValidationURL,
		ConfirmationURL: cfg.ConfirmationURL,
		HTTPClient: &http.Client{
			Timeout: timeout,
			Transport: &oauth2.Transport{
				Source: source,
				Base:   http.DefaultTransport,
			},
		},
		now: time.Now,
	}
}

// tokenSource fetches client-credential tokens. Daraja answers with a
// non-standard body (expires_in is a string), so the oauth2 clientcredentials
// flow cannot parse it directly.
type tokenSource struct {
	url            string
	consumerKey    string
	consumerSecret string
	httpClient     *http.Client
}

// TokenResponse represents the OAuth token response
type TokenResponse struct {
	AccessToken string     `json:"access_token"`
	ExpiresIn   FlexString `json:"expires_in"`
}

// Token implements oauth2.TokenSource
func (s *tokenSource) Token() (*oauth2.Token, error) {
	auth := base64.StdEncoding.EncodeToString([]byte(s.consumerKey + ":" + s.consumerSecret))

	req, err := http.NewRequest(http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Basic "+auth)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newAPIError(resp)
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("token response without access_token")
	}

	expiresIn, err := strconv.Atoi(tokenResp.ExpiresIn.String())
	if err != nil || expiresIn <= 0 {
		expiresIn = 3599
	}

	return &oauth2.Token{
		AccessToken: tokenResp.AccessToken,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// STKPushRequest describes a payment prompt to send to a phone
type STKPushRequest struct {
	PhoneNumber      string
	Amount           decimal.Decimal
	AccountReference string
	Description      string
	CallbackURL      string
}

type stkPushBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPushResponse is Daraja's acknowledgement of a prompt
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// STKPush sends a payment prompt to the payer's phone
func (c *Client) STKPush(ctx context.Context, request STKPushRequest) (*STKPushResponse, error) {
	password, timestamp := c.password()

	// Daraja only accepts whole shillings
	body := stkPushBody{
		BusinessShortCode: c.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            request.Amount.Ceil().IntPart(),
		PartyA:            request.PhoneNumber,
		PartyB:            c.ShortCode,
		PhoneNumber:       request.PhoneNumber,
		CallBackURL:       request.CallbackURL,
		AccountReference:  truncate(request.AccountReference, 12),
		TransactionDesc:   truncate(request.Description, 13),
	}

	var resp STKPushResponse
	if err := c.post(ctx, stkPushEndpoint, body, &resp); err != nil {
		return nil, err
	}
	if resp.ResponseCode != "0" {
		return nil, &APIError{StatusCode: http.StatusOK, Code: resp.ResponseCode, Message: resp.ResponseDescription}
	}
	return &resp, nil
}

// STKQueryResponse is the current state of a prompt
type STKQueryResponse struct {
	ResponseCode        string     `json:"ResponseCode"`
	ResponseDescription string     `json:"ResponseDescription"`
	MerchantRequestID   string     `json:"MerchantRequestID"`
	CheckoutRequestID   string     `json:"CheckoutRequestID"`
	ResultCode          FlexString `json:"ResultCode"`
	ResultDesc          string     `json:"ResultDesc"`
}

// STKQuery asks Daraja for the status of a prompt
func (c *Client) STKQuery(ctx context.Context, checkoutRequestID string) (*STKQueryResponse, error) {
	password, timestamp := c.password()

	body := map[string]string{
		"BusinessShortCode": c.ShortCode,
		"Password":          password,
		"Timestamp":         timestamp,
		"CheckoutRequestID": checkoutRequestID,
	}

	var resp STKQueryResponse
	if err := c.post(ctx, stkQueryEndpoint, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RegisterC2BURLs registers the validation and confirmation URLs for the shortcode
func (c *Client) RegisterC2BURLs(ctx context.Context) error {
	if c.ValidationURL == "" || c.ConfirmationURL == "" {
		return fmt.Errorf("validation and confirmation URLs must be configured")
	}

	body := map[string]string{
		"ShortCode":       c.ShortCode,
		"ResponseType":    "Completed",
		"ConfirmationURL": c.ConfirmationURL,
		"ValidationURL":   c.ValidationURL,
	}

	var resp struct {
		ResponseCode        string `json:"ResponseCode"`
		ResponseDescription string `json:"ResponseDescription"`
	}
	if err := c.post(ctx, registerURLEndpoint, body, &resp); err != nil {
		return err
	}
	if resp.ResponseCode != "" && resp.ResponseCode != "0" && resp.ResponseCode != "00000000" {
		return &APIError{StatusCode: http.StatusOK, Code: resp.ResponseCode, Message: resp.ResponseDescription}
	}
	return nil
}

// password builds the base64(shortcode+passkey+timestamp) request password
func (c *Client) password() (string, string) {
	timestamp := Timestamp(c.now())
	raw := c.ShortCode + c.PassKey + timestamp
	return base64.StdEncoding.EncodeToString([]byte(raw)), timestamp
}

func (c *Client) post(ctx context.Context, endpoint string, body interface{}, out interface{}) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+endpoint, bytes.NewBuffer(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return newAPIError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

// APIError is a non-success answer from Daraja
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daraja error: %s %s, status: %d", e.Code, e.Message, e.StatusCode)
}

// Temporary reports whether retrying later may succeed
func (e *APIError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// StillProcessing reports Daraja's "transaction is being processed" answer
func (e *APIError) StillProcessing() bool {
	return e.Code == ErrorCodeBeingProcessed
}

func newAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	var parsed struct {
		ErrorCode    string `json:"errorCode"`
		ErrorMessage string `json:"errorMessage"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.ErrorCode != "" {
		apiErr.Code = parsed.ErrorCode
		apiErr.Message = parsed.ErrorMessage
	}
	return apiErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
