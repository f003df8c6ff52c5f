package action

import (
	"context"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/internal/httpclient"
	"github.com/teranos/loom/record"
)

// WebhookRequest is the JSON body posted to a webhook action
type WebhookRequest struct {
	ActionID string        `json:"actionId"`
	Record   record.Record `json:"record"`
}

// WebhookResponse is the JSON body a webhook action replies with
type WebhookResponse struct {
	Outputs Outputs `json:"outputs"`
	Error   string  `json:"error,omitempty"`
}

// WebhookHandler delegates an action to an HTTP endpoint
type WebhookHandler struct {
	def     Definition
	url     string
	headers map[string]string
	client  *httpclient.SaferClient
}

// NewWebhookHandler builds a webhook action posting to url through client
func NewWebhookHandler(def Definition, url string, headers map[string]string, client *httpclient.SaferClient) *WebhookHandler {
	return &WebhookHandler{def: def, url: url, headers: headers, client: client}
}

func (h *WebhookHandler) Definition() Definition { return h.def }

func (h *WebhookHandler) Execute(ctx context.Context, rec record.Record) (Outputs, error) {
	var resp WebhookResponse
	err := h.client.PostJSON(ctx, h.url, h.headers, WebhookRequest{ActionID: h.def.ID, Record: rec}, &resp)
	if err != nil {
		return nil, errors.Wrapf(err, "webhook %s", h.def.ID)
	}
	if resp.Error != "" {
		return nil, errors.Newf("webhook %s: %s", h.def.ID, resp.Error)
	}
	return resp.Outputs, nil
}
