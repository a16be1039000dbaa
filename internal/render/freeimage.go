package render

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const DefaultFreeImageURL = "https://freeimage.host/api/1/upload"

// FreeImage re-hosts provider images on freeimage.host. Provider result
// URLs expire; the hosted copy does not.
type FreeImage struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewFreeImage(endpoint, apiKey string) *FreeImage {
	if endpoint == "" {
		endpoint = DefaultFreeImageURL
	}
	return &FreeImage{endpoint: endpoint, apiKey: apiKey, client: &http.Client{Timeout: 30 * time.Second}}
}

// Host uploads sourceURL and returns the hosted URL. Every failure is
// transient so the job retries rather than fails.
func (f *FreeImage) Host(ctx context.Context, sourceURL string) (string, error) {
	const op = "freeimage upload"
	form := url.Values{
		"key":    {f.apiKey},
		"action": {"upload"},
		"source": {sourceURL},
		"format": {"json"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", Transient(op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := do(f.client, req, op)
	if err != nil {
		var re *Error
		if errors.As(err, &re) {
			re.Kind = KindTransient
		}
		return "", err
	}
	hosted := gjson.GetBytes(body, "image.url").String()
	if hosted == "" {
		return "", Transient(op, errors.New("response carried no image url"))
	}
	return hosted, nil
}
