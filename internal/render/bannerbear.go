package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const DefaultBannerbearURL = "https://api.bannerbear.com/v2"

// Bannerbear renders layouts through the Bannerbear images API.
type Bannerbear struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewBannerbear(baseURL, apiKey string) *Bannerbear {
	if baseURL == "" {
		baseURL = DefaultBannerbearURL
	}
	return &Bannerbear{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 20 * time.Second},
	}
}

type bannerbearRequest struct {
	Template      string  `json:"template"`
	Modifications []Layer `json:"modifications"`
}

// Submit starts a render and returns the URL to poll it at.
func (b *Bannerbear) Submit(ctx context.Context, layout string, layers []Layer) (string, error) {
	const op = "bannerbear submit"
	payload, err := json.Marshal(bannerbearRequest{Template: layout, Modifications: layers})
	if err != nil {
		return "", Permanent(op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/images", bytes.NewReader(payload))
	if err != nil {
		return "", ctxErr(ctx, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	b.authorize(req)

	body, err := do(b.client, req, op)
	if err != nil {
		return "", err
	}
	if self := gjson.GetBytes(body, "self").String(); self != "" {
		return self, nil
	}
	if uid := gjson.GetBytes(body, "uid").String(); uid != "" {
		return b.baseURL + "/images/" + uid, nil
	}
	return "", Transient(op, errors.New("response carried neither self nor uid"))
}

func (b *Bannerbear) Poll(ctx context.Context, ref string) (*PollResult, error) {
	const op = "bannerbear poll"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, ctxErr(ctx, op, err)
	}
	b.authorize(req)

	body, err := do(b.client, req, op)
	if err != nil {
		return nil, err
	}
	switch Status(gjson.GetBytes(body, "status").String()) {
	case StatusCompleted:
		url := gjson.GetBytes(body, "image_url_png").String()
		if url == "" {
			url = gjson.GetBytes(body, "image_url").String()
		}
		if url == "" {
			return nil, Transient(op, errors.New("completed render has no image url"))
		}
		return &PollResult{Status: StatusCompleted, ResultURL: url}, nil
	case StatusFailed:
		msg := gjson.GetBytes(body, "error").String()
		if msg == "" {
			msg = "the provider could not render this design"
		}
		return &PollResult{Status: StatusFailed, Error: msg}, nil
	default:
		return &PollResult{Status: StatusPending}, nil
	}
}

func (b *Bannerbear) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
}
