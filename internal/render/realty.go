package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// listingLayers maps layout layer names to gjson paths in a detailed listing.
var listingLayers = map[string]string{
	"property_address": "address",
	"city":             "city",
	"state":            "state",
	"zip":              "zip",
	"property_price":   "price_display",
	"description":      "description",
	"bedrooms":         "bedrooms",
	"bathrooms":        "bathrooms",
	"square_feet":      "square_feet",
	"agent_name":       "agents.listing_agent.name",
	"agent_contact":    "agents.listing_agent.phone",
	"agent_email":      "agents.listing_agent.email",
	"neighborhood":     "geo_data.neighborhood_name",
	"brokerage_name":   "agents.listing_agent.office.name",
	"property_type":    "property_type",
}

var listingImages = map[string]string{
	"property_image": "hero.large",
	"photo1":         "photos.1.large",
	"photo2":         "photos.2.large",
	"photo3":         "photos.3.large",
}

// RealtyListings looks up MLS listings to fill the property layers that
// agents are never asked for.
type RealtyListings struct {
	endpoint   string
	tenantCode string
	regionID   int
	client     *http.Client
}

func NewRealtyListings(endpoint, tenantCode string, regionID int) *RealtyListings {
	return &RealtyListings{
		endpoint:   endpoint,
		tenantCode: tenantCode,
		regionID:   regionID,
		client:     &http.Client{Timeout: 20 * time.Second},
	}
}

type realtyQuery struct {
	Size        int      `json:"size"`
	MLSes       []int    `json:"mlses"`
	MLSListings []string `json:"mls_listings"`
	View        string   `json:"view"`
}

// Layers returns the listing's layers. An unknown listing is a permanent
// error; any lookup failure is transient.
func (r *RealtyListings) Layers(ctx context.Context, listingID string) ([]Layer, error) {
	const op = "listing lookup"
	payload, err := json.Marshal(realtyQuery{
		Size:        1,
		MLSes:       []int{r.regionID},
		MLSListings: []string{listingID},
		View:        "detailed",
	})
	if err != nil {
		return nil, Permanent(op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, Transient(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-tenant-code", r.tenantCode)

	body, err := do(r.client, req, op)
	if err != nil {
		var re *Error
		if errors.As(err, &re) {
			re.Kind = KindTransient
		}
		return nil, err
	}
	listing := gjson.GetBytes(body, "data.content.listings.0")
	if !listing.IsObject() {
		return nil, Permanent(op, fmt.Errorf("MLS listing %s was not found", listingID))
	}
	return ListingLayers(listing), nil
}

// ListingLayers maps a detailed listing onto layer names. Absent fields are
// omitted rather than rendered empty.
func ListingLayers(listing gjson.Result) []Layer {
	var layers []Layer
	for name, path := range listingLayers {
		if v := strings.TrimSpace(listing.Get(path).String()); v != "" {
			layers = append(layers, Layer{Name: name, Text: v})
		}
	}
	for name, path := range listingImages {
		if v := listing.Get(path).String(); v != "" {
			layers = append(layers, Layer{Name: name, ImageURL: v})
		}
	}

	beds, baths := listing.Get("bedrooms"), listing.Get("bathrooms")
	if beds.Exists() && baths.Exists() {
		layers = append(layers, Layer{
			Name: "beds_baths",
			Text: fmt.Sprintf("%s Beds | %s Baths", beds.String(), strconv.FormatFloat(baths.Float(), 'f', 1, 64)),
		})
	}
	if loc := location(listing); loc != "" {
		layers = append(layers, Layer{Name: "location", Text: loc})
	}
	return Merge(nil, layers)
}

func location(listing gjson.Result) string {
	var parts []string
	if city := listing.Get("city").String(); city != "" {
		parts = append(parts, city)
	}
	stateZip := strings.TrimSpace(listing.Get("state").String() + " " + listing.Get("zip").String())
	if stateZip != "" {
		parts = append(parts, stateZip)
	}
	return strings.Join(parts, ", ")
}
