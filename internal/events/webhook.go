// Package events turns repository notifications (forge webhooks, NATS
// messages, Kafka records) into trigger events.
package events

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	cierrors "blockci/internal/errors"
	"blockci/internal/trigger"
)

// ErrIgnored is returned for webhook deliveries that are valid but carry
// nothing to trigger on (pings, branch deletions, other event types).
var ErrIgnored = errors.New("webhook event ignored")

// Provider identifies the forge that sent a webhook.
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGitea  Provider = "gitea"
)

// DetectProvider inspects the forge specific headers.
func DetectProvider(h http.Header) (Provider, string, bool) {
	if ev := h.Get("X-Gitea-Event"); ev != "" {
		return ProviderGitea, ev, true
	}
	if ev := h.Get("X-GitHub-Event"); ev != "" {
		return ProviderGitHub, ev, true
	}
	return "", "", false
}

// Signature returns the signature header the provider sends.
func Signature(p Provider, h http.Header) string {
	if p == ProviderGitea {
		return h.Get("X-Gitea-Signature")
	}
	return h.Get("X-Hub-Signature-256")
}

// ValidateSignature checks an HMAC-SHA256 payload signature, given either
// as "sha256=<hex>" (GitHub) or bare hex (Gitea).
func ValidateSignature(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	expected := strings.TrimPrefix(signature, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	calc := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(calc))
}

// pushPayload is the subset of the GitHub/Gitea push payload we use. Both
// forges share this shape.
type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
	HeadCommit *struct {
		ID string `json:"id"`
	} `json:"head_commit"`
}

const zeroSHA = "0000000000000000000000000000000000000000"

// ParseWebhook converts a forge webhook delivery into a push event.
func ParseWebhook(eventType string, payload []byte) (trigger.Event, error) {
	if eventType != "push" {
		return trigger.Event{}, fmt.Errorf("%w: %s", ErrIgnored, eventType)
	}
	var p pushPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return trigger.Event{}, cierrors.TriggerEvaluation("decoding push payload", err)
	}
	if p.Deleted || p.After == zeroSHA {
		return trigger.Event{}, fmt.Errorf("%w: ref %s deleted", ErrIgnored, p.Ref)
	}

	commit := p.After
	if p.HeadCommit != nil && p.HeadCommit.ID != "" {
		commit = p.HeadCommit.ID
	}
	ev := trigger.Event{
		Kind:       trigger.EventPush,
		Commit:     commit,
		Repository: p.Repository.FullName,
		ReceivedAt: time.Now().UTC(),
	}
	ev.SetRef(p.Ref)
	if err := ev.Validate(); err != nil {
		return trigger.Event{}, err
	}
	return ev, nil
}
