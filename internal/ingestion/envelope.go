package ingestion

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/spec-kit/rfi-sync-service/pkg/util/errorutil"
	"github.com/spec-kit/rfi-sync-service/pkg/util/validation"
)

// SignatureHeader carries "sha256=<hex>" of the raw body.
const SignatureHeader = "X-Webhook-Signature"

// PushEnvelope is the body a push subscription posts.
type PushEnvelope struct {
	Message      PushMessage `json:"message" validate:"required"`
	Subscription string      `json:"subscription"`
}

// PushMessage is the wrapped provider message.
type PushMessage struct {
	Data        string            `json:"data" validate:"required,base64"`
	MessageID   string            `json:"messageId" validate:"required"`
	PublishTime time.Time         `json:"publishTime"`
	Attributes  map[string]string `json:"attributes"`
}

// Delivery is one decoded push, whichever source it came from.
type Delivery struct {
	PushMessageID string
	Data          []byte
	PublishTime   time.Time
}

// notificationData is the decoded data field: a mailbox change or a single message.
type notificationData struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
	MessageID    string      `json:"messageId"`
}

// DecodeEnvelope validates a push body and extracts the delivery.
func DecodeEnvelope(body []byte) (Delivery, error) {
	var env PushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Delivery{}, errorutil.NewValidationError("invalid push envelope", map[string]any{"body": err.Error()})
	}
	if err := validation.Struct(env); err != nil {
		return Delivery{}, err
	}
	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return Delivery{}, errorutil.NewValidationError("invalid push data", map[string]any{"message.data": "base64"})
	}
	return Delivery{PushMessageID: env.Message.MessageID, Data: data, PublishTime: env.Message.PublishTime}, nil
}

// Job turns the delivery data into queued work. defaultMailbox fills a missing address.
func (d Delivery) Job(defaultMailbox string) (Job, error) {
	var data notificationData
	if err := json.Unmarshal(d.Data, &data); err != nil {
		return Job{}, errorutil.NewValidationError("invalid push data", map[string]any{"data": err.Error()})
	}
	mailbox := strings.ToLower(strings.TrimSpace(data.EmailAddress))
	if mailbox == "" {
		mailbox = defaultMailbox
	}

	var job Job
	switch {
	case data.MessageID != "":
		job = NewMessageJob(mailbox, data.MessageID)
	case data.HistoryID != "":
		historyID, err := parseHistoryID(data.HistoryID)
		if err != nil {
			return Job{}, errorutil.NewValidationError("invalid history id", map[string]any{"historyId": data.HistoryID.String()})
		}
		job = NewMailboxJob(mailbox, historyID)
	default:
		return Job{}, errorutil.NewValidationError("push data names neither a mailbox change nor a message", nil)
	}
	job.PushMessageID = d.PushMessageID
	return job, nil
}

func parseHistoryID(n json.Number) (uint64, error) {
	return strconv.ParseUint(n.String(), 10, 64)
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC-SHA256 of body.
func VerifySignature(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(strings.TrimSpace(header)))
}

// VerifyToken compares a shared query token in constant time.
func VerifyToken(expected, got string) bool {
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
