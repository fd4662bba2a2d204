package yookassa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/vpn-orchestrator/internal/config"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-orchestrator/internal/models"
)

const maxDescriptionLen = 128

// Client клиент API ЮKassa.
type Client struct {
	log           *slog.Logger
	shopID        string
	secretKey     string
	apiURL        string
	returnURL     string
	currency      string
	webhookSecret string
	httpClient    *http.Client
}

// NewClient создаёт новый клиент ЮKassa
func NewClient(log *slog.Logger, cfg config.YooKassa) *Client {
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.yookassa.ru/v3"
	}
	currency := cfg.Currency
	if currency == "" {
		currency = "RUB"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		log:           log.With(slog.String("component", "yookassa")),
		shopID:        cfg.ShopID,
		secretKey:     cfg.SecretKey,
		apiURL:        apiURL,
		returnURL:     cfg.ReturnURL,
		currency:      currency,
		webhookSecret: cfg.WebhookSecret,
		httpClient:    &http.Client{Timeout: timeout},
	}
}

// Currency возвращает валюту платежей.
func (c *Client) Currency() string {
	return c.currency
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, &buf)
	if err != nil {
		return nil, err
	}
	auth := base64.StdEncoding.EncodeToString([]byte(c.shopID + ":" + c.secretKey))
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status: %s: %s", resp.Status, truncate(string(body), 256))
	}
	return json.Unmarshal(body, out)
}

// CreatePayment создаёт платёж с подтверждением по ссылке.
// Повтор с тем же IdempotenceKey возвращает тот же платёж.
func (c *Client) CreatePayment(ctx context.Context, p CreatePaymentParams) (models.PaymentIntent, error) {
	const op = "yookassa.CreatePayment"
	log := c.log.With(slog.String("op", op), slog.Int64("user_id", p.UserID))

	if p.Amount <= 0 {
		return models.PaymentIntent{}, fmt.Errorf("%s: %w: non-positive amount", op, models.ErrGateway)
	}

	description := truncate(p.Description, maxDescriptionLen)
	value := Amount{Value: FormatAmount(p.Amount), Currency: c.currency}

	metadata := map[string]string{"user_id": strconv.FormatInt(p.UserID, 10)}
	for k, v := range p.Metadata {
		metadata[k] = v
	}

	reqBody := CreatePaymentRequest{
		Amount:       value,
		Capture:      true,
		Confirmation: Confirmation{Type: "redirect", ReturnURL: c.returnURL},
		Description:  description,
		Metadata:     metadata,
	}
	// Тестовые ключи магазина не принимают чеки.
	if !strings.HasPrefix(c.secretKey, "test_") {
		receipt := &Receipt{Items: []ReceiptItem{{
			Description:    description,
			Quantity:       "1",
			Amount:         value,
			VatCode:        1,
			PaymentMode:    "full_payment",
			PaymentSubject: "service",
		}}}
		receipt.Customer.Email = fmt.Sprintf("user%d@telegram.bot", p.UserID)
		reqBody.Receipt = receipt
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/payments", reqBody)
	if err != nil {
		return models.PaymentIntent{}, fmt.Errorf("%s: %w: %v", op, models.ErrGateway, err)
	}
	key := p.IdempotenceKey
	if key == "" {
		key = uuid.NewString()
	}
	req.Header.Set("Idempotence-Key", key)

	var payment Payment
	if err := c.do(req, &payment); err != nil {
		log.Error("failed to create payment", sl.Err(err))
		return models.PaymentIntent{}, fmt.Errorf("%s: %w: %v", op, models.ErrGateway, err)
	}
	if payment.ID == "" || payment.Confirmation == nil || payment.Confirmation.ConfirmationURL == "" {
		return models.PaymentIntent{}, fmt.Errorf("%s: %w: response without confirmation url", op, models.ErrGateway)
	}

	log.Info("payment created", slog.String("payment_id", payment.ID))
	return models.PaymentIntent{
		PaymentURL:        payment.Confirmation.ConfirmationURL,
		ExternalPaymentID: payment.ID,
	}, nil
}

// GetPayment запрашивает текущий статус платежа и приводит его к событию подтверждения.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (models.ConfirmationEvent, error) {
	const op = "yookassa.GetPayment"
	if paymentID == "" {
		return models.ConfirmationEvent{}, fmt.Errorf("%s: %w: empty payment id", op, models.ErrValidation)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/payments/"+paymentID, nil)
	if err != nil {
		return models.ConfirmationEvent{}, fmt.Errorf("%s: %w: %v", op, models.ErrGateway, err)
	}
	var payment Payment
	if err := c.do(req, &payment); err != nil {
		return models.ConfirmationEvent{}, fmt.Errorf("%s: %w: %v", op, models.ErrGateway, err)
	}
	ev, err := toEvent(payment)
	if err != nil {
		return models.ConfirmationEvent{}, fmt.Errorf("%s: %w: %v", op, models.ErrGateway, err)
	}
	return ev, nil
}

func toEvent(p Payment) (models.ConfirmationEvent, error) {
	amount, err := ParseAmount(p.Amount.Value)
	if err != nil {
		return models.ConfirmationEvent{}, err
	}
	status := models.PaymentPending
	switch p.Status {
	case statusSucceeded:
		status = models.PaymentSucceeded
	case statusCanceled:
		status = models.PaymentCanceled
	}
	return models.ConfirmationEvent{
		ExternalPaymentID: p.ID,
		Amount:            amount,
		Currency:          p.Amount.Currency,
		Status:            status,
	}, nil
}

// truncate обрезает строку по числу символов, а не байт.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
