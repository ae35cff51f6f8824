// Package github stores the bookmark envelope as a file in a GitHub
// repository through the contents API. The blob SHA captured on the most
// recent read is used as the optimistic-concurrency token: a stale SHA fails
// the write instead of overwriting a racing writer.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/linkhaven/linkhaven/internal/bookmarks"
	"github.com/linkhaven/linkhaven/internal/source"
)

// TypeTag is the factory tag for this adapter.
const TypeTag = "github"

const defaultAPIBase = "https://api.github.com"

// Adapter implements source.Source over the GitHub contents API.
type Adapter struct {
	id       string
	owner    string
	repo     string
	branch   string
	filePath string
	token    string
	apiBase  string
	client   *http.Client
	clock    func() time.Time

	// concurrency token and cheap-compare state from the last read/write
	lastSHA      string
	lastChecksum string
}

// New constructs the adapter from configuration.
func New(cfg source.Config) (*Adapter, error) {
	adapter := &Adapter{
		id:       cfg.ID,
		owner:    cfg.Owner,
		repo:     cfg.Repo,
		branch:   cfg.Branch,
		filePath: cfg.FilePath,
		token:    cfg.Token,
		apiBase:  defaultAPIBase,
		client:   &http.Client{Timeout: cfg.Timeout()},
		clock:    time.Now,
	}
	if cfg.BaseURL != "" {
		adapter.apiBase = strings.TrimRight(cfg.BaseURL, "/")
	}
	if adapter.id == "" {
		adapter.id = TypeTag
	}
	if adapter.branch == "" {
		adapter.branch = "main"
	}
	if adapter.filePath == "" {
		adapter.filePath = "bookmarks.json"
	}
	if err := adapter.ValidateConfig(); err != nil {
		return nil, err
	}
	return adapter, nil
}

func (a *Adapter) ID() string   { return a.id }
func (a *Adapter) Type() string { return TypeTag }

// ValidateConfig ensures repository coordinates and a token were supplied.
func (a *Adapter) ValidateConfig() error {
	if a.owner == "" || a.repo == "" {
		return source.NewError(source.CodeValidation, "github: owner and repo are required", nil)
	}
	if a.token == "" {
		return source.NewError(source.CodeValidation, "github: token is required", nil)
	}
	return nil
}

type contentsResponse struct {
	Content string `json:"content"`
	SHA     string `json:"sha"`
	Size    int64  `json:"size"`
}

func (a *Adapter) contentsURL() string {
	return fmt.Sprintf("%s/repos/%s/%s/contents/%s", a.apiBase, a.owner, a.repo, a.filePath)
}

func (a *Adapter) Read(ctx context.Context) (bookmarks.BookmarkFile, error) {
	endpoint := a.contentsURL() + "?ref=" + url.QueryEscape(a.branch)
	body, _, err := a.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return bookmarks.BookmarkFile{}, err
	}

	var contents contentsResponse
	if err := json.Unmarshal(body, &contents); err != nil {
		return bookmarks.BookmarkFile{}, source.NewError(source.CodeNetwork, "github: malformed contents response", err)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(contents.Content, "\n", ""))
	if err != nil {
		return bookmarks.BookmarkFile{}, source.NewError(source.CodeValidation, "github: content is not valid base64", err)
	}

	var file bookmarks.BookmarkFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return bookmarks.BookmarkFile{}, source.NewError(source.CodeValidation, "github: malformed envelope", err)
	}
	if err := file.Validate(); err != nil {
		return bookmarks.BookmarkFile{}, source.NewError(source.CodeValidation, "github: corrupt envelope", err)
	}

	a.lastSHA = contents.SHA
	a.lastChecksum = file.Metadata.Checksum
	return file, nil
}

func (a *Adapter) Write(ctx context.Context, data *bookmarks.BookmarkFile) error {
	data.Stamp(a.clock())
	if err := data.Validate(); err != nil {
		return source.NewError(source.CodeValidation, "github: refusing to write corrupt envelope", err)
	}

	// Second line of defense behind the engine's conditional-write check.
	if a.lastChecksum != "" && a.lastChecksum == data.Metadata.Checksum {
		return nil
	}

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return source.NewError(source.CodeValidation, "github: encode failed", err)
	}

	payload := map[string]string{
		"message": fmt.Sprintf("sync bookmarks (%d entries)", len(data.Bookmarks)),
		"content": base64.StdEncoding.EncodeToString(encoded),
		"branch":  a.branch,
	}
	if a.lastSHA != "" {
		payload["sha"] = a.lastSHA
	}
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return source.NewError(source.CodeValidation, "github: encode failed", err)
	}

	body, _, err := a.do(ctx, http.MethodPut, a.contentsURL(), requestBody)
	if err != nil {
		return err
	}

	var response struct {
		Content contentsResponse `json:"content"`
	}
	if err := json.Unmarshal(body, &response); err == nil && response.Content.SHA != "" {
		a.lastSHA = response.Content.SHA
	}
	a.lastChecksum = data.Metadata.Checksum
	return nil
}

func (a *Adapter) GetChecksum(ctx context.Context) (string, error) {
	return source.ChecksumViaRead(ctx, a)
}

func (a *Adapter) IsAvailable(ctx context.Context) bool {
	return source.AvailableViaRead(ctx, a)
}

// ValidateCredentials checks that the token can see the repository.
func (a *Adapter) ValidateCredentials(ctx context.Context) (bool, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s", a.apiBase, a.owner, a.repo)
	_, status, err := a.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		if source.CodeOf(err) == source.CodeUnauthorized || status == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RefreshCredentials is a no-op: GitHub personal tokens do not rotate here.
func (a *Adapter) RefreshCredentials(_ context.Context) error {
	return nil
}

func (a *Adapter) GetMetadata(ctx context.Context) (source.Metadata, error) {
	file, err := a.Read(ctx)
	if err != nil {
		return source.Metadata{}, err
	}
	lastModified, _ := time.Parse(time.RFC3339, file.Metadata.LastModified)
	return source.Metadata{
		Checksum:     file.Metadata.Checksum,
		LastModified: lastModified,
		Revision:     a.lastSHA,
	}, nil
}

func (a *Adapter) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, source.NewError(source.CodeNetwork, "github: build request failed", err)
	}
	request.Header.Set("Authorization", "Bearer "+a.token)
	request.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := a.client.Do(request)
	if err != nil {
		return nil, 0, source.NewError(source.CodeNetwork, "github: request failed", err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, response.StatusCode, source.NewError(source.CodeNetwork, "github: read response failed", err)
	}

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		return payload, response.StatusCode, nil
	case response.StatusCode == http.StatusNotFound:
		return nil, response.StatusCode, source.NewError(source.CodeNotFound, "github: file not found", nil)
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return nil, response.StatusCode, source.NewError(source.CodeUnauthorized, "github: credentials rejected", nil)
	case response.StatusCode == http.StatusConflict || response.StatusCode == http.StatusUnprocessableEntity:
		return nil, response.StatusCode, source.NewError(source.CodeConflict, "github: blob sha is stale, re-read required", nil)
	default:
		return nil, response.StatusCode, source.NewError(source.CodeNetwork,
			fmt.Sprintf("github: unexpected status %d", response.StatusCode), nil)
	}
}
