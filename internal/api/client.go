package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go-civitai-models/internal/apperr"
	"go-civitai-models/internal/models"

	log "github.com/sirupsen/logrus"
)

const (
	CivitaiApiBaseUrl = "https://civitai.com/api/v1"
	CivitaiSiteUrl    = "https://civitai.com"
	UserAgent         = "civitai-models/1.0"
)

// ErrNoDownloadURL is returned when the download endpoint neither redirects
// to a file nor asks for a login.
var ErrNoDownloadURL = errors.New("catalog returned no download URL")

// Client talks to the Civitai REST API. Every method returns either a value
// or an *apperr.Error whose Kind is one of Network, NotFound,
// ServiceUnavailable, AuthRequired or InvalidResponse.
type Client struct {
	ApiKey     string
	BaseURL    string
	SiteURL    string
	HttpClient *http.Client
}

// NewClient creates a client using cfg's API key. A nil httpClient gets one
// built from cfg.
func NewClient(cfg models.Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewAPIHTTPClient(cfg, nil)
	}
	return &Client{
		ApiKey:     cfg.ApiKey,
		BaseURL:    CivitaiApiBaseUrl,
		SiteURL:    CivitaiSiteUrl,
		HttpClient: httpClient,
	}
}

// GetModelByID fetches a model with all of its versions.
func (c *Client) GetModelByID(ctx context.Context, id int) (models.Model, error) {
	var model models.Model
	err := c.getJSON(ctx, "get model", fmt.Sprintf("%s/models/%d", c.BaseURL, id), &model)
	return model, err
}

// GetModelVersion fetches a single model version.
func (c *Client) GetModelVersion(ctx context.Context, id int) (models.ModelVersion, error) {
	var version models.ModelVersion
	err := c.getJSON(ctx, "get model version", fmt.Sprintf("%s/model-versions/%d", c.BaseURL, id), &version)
	return version, err
}

// GetModelByHash finds the version owning a file with the given SHA256 and
// returns it as a single-version model record.
func (c *Client) GetModelByHash(ctx context.Context, hash string) (models.Model, error) {
	var version models.ModelVersion
	endpoint := fmt.Sprintf("%s/model-versions/by-hash/%s", c.BaseURL, url.PathEscape(strings.ToUpper(hash)))
	if err := c.getJSON(ctx, "get model by hash", endpoint, &version); err != nil {
		return models.Model{}, err
	}
	return models.Model{
		ID:            version.ModelId,
		Name:          version.Model.Name,
		Type:          version.Model.Type,
		Nsfw:          version.Model.Nsfw,
		Poi:           version.Model.Poi,
		Description:   version.Model.Description,
		ModelVersions: []models.ModelVersion{version},
	}, nil
}

// SearchModels queries the /models endpoint.
func (c *Client) SearchModels(ctx context.Context, params models.QueryParameters) (models.ApiResponse, error) {
	values := url.Values{}
	if params.Query != "" {
		values.Set("query", params.Query)
	}
	for _, t := range params.Types {
		values.Add("types", t)
	}
	for _, b := range params.BaseModels {
		values.Add("baseModels", b)
	}
	if params.Sort != "" {
		values.Set("sort", params.Sort)
	}
	if params.Limit > 0 && params.Limit <= 100 {
		values.Set("limit", strconv.Itoa(params.Limit))
	}
	values.Set("nsfw", strconv.FormatBool(params.Nsfw))

	var resp models.ApiResponse
	err := c.getJSON(ctx, "search models", c.BaseURL+"/models?"+values.Encode(), &resp)
	return resp, err
}

// ResolveDownloadURL requests fileURL without following redirects and
// returns the signed location the catalog redirects to. A redirect to the
// login page yields apperr.ErrAuthRequired.
func (c *Client) ResolveDownloadURL(ctx context.Context, fileURL string, modelID int) (string, error) {
	const op = "resolve download url"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return "", apperr.New(apperr.KindInvalidResponse, op, err)
	}
	c.setHeaders(req)
	if modelID > 0 {
		req.Header.Set("Referer", fmt.Sprintf("%s/models/%d", c.SiteURL, modelID))
	}

	noRedirect := *c.HttpClient
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := noRedirect.Do(req)
	if err != nil {
		return "", apperr.New(apperr.KindNetwork, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode <= 308 {
		location := resp.Header.Get("Location")
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if isLoginRedirect(location) || isLoginRedirect(string(body)) {
			return "", apperr.New(apperr.KindAuthRequired, op, fmt.Errorf("model %d requires a logged-in API key", modelID))
		}
		if location == "" {
			return "", apperr.New(apperr.KindInvalidResponse, op, ErrNoDownloadURL)
		}
		loc, err := resp.Location()
		if err != nil {
			return "", apperr.New(apperr.KindInvalidResponse, op, err)
		}
		log.WithField("modelID", modelID).Debug("Resolved signed download URL")
		return loc.String(), nil
	}
	if err := classifyStatus(op, resp); err != nil {
		return "", err
	}
	return "", apperr.New(apperr.KindInvalidResponse, op, ErrNoDownloadURL)
}

func isLoginRedirect(s string) bool {
	return strings.Contains(s, "login?returnUrl") && strings.Contains(s, "reason=download-auth")
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", UserAgent)
	if c.ApiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.ApiKey)
	}
}

func (c *Client) getJSON(ctx context.Context, op, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return apperr.New(apperr.KindInvalidResponse, op, err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "application/json")

	log.WithField("url", endpoint).Debug("Catalog request")
	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return apperr.New(apperr.KindNetwork, op, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(op, resp); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return apperr.Newf(apperr.KindInvalidResponse, op, "unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.New(apperr.KindInvalidResponse, op, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

func classifyStatus(op string, resp *http.Response) error {
	return apperr.FromStatus(op, resp.StatusCode, resp.Status)
}
