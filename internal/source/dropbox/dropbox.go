// Package dropbox stores the bookmark envelope as a file in Dropbox. The file
// rev captured on the most recent read is the optimistic-concurrency token: a
// stale rev fails the upload instead of overwriting a racing writer.
package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linkhaven/linkhaven/internal/bookmarks"
	"github.com/linkhaven/linkhaven/internal/source"
)

// TypeTag is the factory tag for this adapter.
const TypeTag = "dropbox"

const (
	defaultContentBase = "https://content.dropboxapi.com"
	defaultAPIBase     = "https://api.dropboxapi.com"
)

// Adapter implements source.Source over the Dropbox content API.
type Adapter struct {
	id          string
	path        string
	token       string
	contentBase string
	apiBase     string
	client      *http.Client
	clock       func() time.Time

	// rev-keyed cheap-compare state from the last read/write
	lastRev      string
	lastChecksum string
}

// New constructs the adapter from configuration.
func New(cfg source.Config) (*Adapter, error) {
	path := cfg.Path
	if path == "" {
		path = "/bookmarks.json"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	adapter := &Adapter{
		id:          cfg.ID,
		path:        path,
		token:       cfg.Token,
		contentBase: defaultContentBase,
		apiBase:     defaultAPIBase,
		client:      &http.Client{Timeout: cfg.Timeout()},
		clock:       time.Now,
	}
	if cfg.BaseURL != "" {
		base := strings.TrimRight(cfg.BaseURL, "/")
		adapter.contentBase = base
		adapter.apiBase = base
	}
	if adapter.id == "" {
		adapter.id = TypeTag
	}
	if err := adapter.ValidateConfig(); err != nil {
		return nil, err
	}
	return adapter, nil
}

func (a *Adapter) ID() string   { return a.id }
func (a *Adapter) Type() string { return TypeTag }

// ValidateConfig ensures an access token was supplied.
func (a *Adapter) ValidateConfig() error {
	if a.token == "" {
		return source.NewError(source.CodeValidation, "dropbox: token is required", nil)
	}
	return nil
}

type fileMetadata struct {
	Rev            string `json:"rev"`
	Size           int64  `json:"size"`
	ServerModified string `json:"server_modified"`
}

func (a *Adapter) Read(ctx context.Context) (bookmarks.BookmarkFile, error) {
	arg, _ := json.Marshal(map[string]string{"path": a.path})
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, a.contentBase+"/2/files/download", nil)
	if err != nil {
		return bookmarks.BookmarkFile{}, source.NewError(source.CodeNetwork, "dropbox: build request failed", err)
	}
	request.Header.Set("Authorization", "Bearer "+a.token)
	request.Header.Set("Dropbox-API-Arg", string(arg))

	response, err := a.client.Do(request)
	if err != nil {
		return bookmarks.BookmarkFile{}, source.NewError(source.CodeNetwork, "dropbox: download failed", err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return bookmarks.BookmarkFile{}, source.NewError(source.CodeNetwork, "dropbox: read response failed", err)
	}
	if response.StatusCode != http.StatusOK {
		return bookmarks.BookmarkFile{}, classifyStatus(response.StatusCode, raw, "download")
	}

	var file bookmarks.BookmarkFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return bookmarks.BookmarkFile{}, source.NewError(source.CodeValidation, "dropbox: malformed envelope", err)
	}
	if err := file.Validate(); err != nil {
		return bookmarks.BookmarkFile{}, source.NewError(source.CodeValidation, "dropbox: corrupt envelope", err)
	}

	var meta fileMetadata
	if result := response.Header.Get("Dropbox-Api-Result"); result != "" {
		_ = json.Unmarshal([]byte(result), &meta)
	}
	a.lastRev = meta.Rev
	a.lastChecksum = file.Metadata.Checksum
	return file, nil
}

func (a *Adapter) Write(ctx context.Context, data *bookmarks.BookmarkFile) error {
	data.Stamp(a.clock())
	if err := data.Validate(); err != nil {
		return source.NewError(source.CodeValidation, "dropbox: refusing to write corrupt envelope", err)
	}

	// Second line of defense behind the engine's conditional-write check.
	if a.lastChecksum != "" && a.lastChecksum == data.Metadata.Checksum {
		return nil
	}

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return source.NewError(source.CodeValidation, "dropbox: encode failed", err)
	}

	mode := any("add")
	if a.lastRev != "" {
		mode = map[string]string{".tag": "update", "update": a.lastRev}
	}
	arg, _ := json.Marshal(map[string]any{
		"path": a.path,
		"mode": mode,
		"mute": true,
	})

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, a.contentBase+"/2/files/upload", bytes.NewReader(encoded))
	if err != nil {
		return source.NewError(source.CodeNetwork, "dropbox: build request failed", err)
	}
	request.Header.Set("Authorization", "Bearer "+a.token)
	request.Header.Set("Dropbox-API-Arg", string(arg))
	request.Header.Set("Content-Type", "application/octet-stream")

	response, err := a.client.Do(request)
	if err != nil {
		return source.NewError(source.CodeNetwork, "dropbox: upload failed", err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return source.NewError(source.CodeNetwork, "dropbox: read response failed", err)
	}
	if response.StatusCode != http.StatusOK {
		return classifyStatus(response.StatusCode, raw, "upload")
	}

	var meta fileMetadata
	if err := json.Unmarshal(raw, &meta); err == nil && meta.Rev != "" {
		a.lastRev = meta.Rev
	}
	a.lastChecksum = data.Metadata.Checksum
	return nil
}

// GetChecksum avoids the download when the file rev has not moved since this
// adapter's last read or write; otherwise it falls back to a full Read.
func (a *Adapter) GetChecksum(ctx context.Context) (string, error) {
	if a.lastRev != "" && a.lastChecksum != "" {
		meta, err := a.getMetadata(ctx)
		if err == nil && meta.Rev == a.lastRev {
			return a.lastChecksum, nil
		}
	}
	return source.ChecksumViaRead(ctx, a)
}

func (a *Adapter) IsAvailable(ctx context.Context) bool {
	return source.AvailableViaRead(ctx, a)
}

// ValidateCredentials checks that the token is accepted by the API.
func (a *Adapter) ValidateCredentials(ctx context.Context) (bool, error) {
	_, err := a.getMetadata(ctx)
	if err == nil || source.IsNotFound(err) {
		return true, nil
	}
	if source.CodeOf(err) == source.CodeUnauthorized {
		return false, nil
	}
	return false, err
}

// RefreshCredentials is a no-op: token refresh is the OAuth layer's job.
func (a *Adapter) RefreshCredentials(_ context.Context) error {
	return nil
}

func (a *Adapter) GetMetadata(ctx context.Context) (source.Metadata, error) {
	meta, err := a.getMetadata(ctx)
	if err != nil {
		return source.Metadata{}, err
	}
	checksum, err := a.GetChecksum(ctx)
	if err != nil {
		return source.Metadata{}, err
	}
	lastModified, _ := time.Parse(time.RFC3339, meta.ServerModified)
	return source.Metadata{
		Checksum:     checksum,
		LastModified: lastModified,
		Revision:     meta.Rev,
		Size:         meta.Size,
	}, nil
}

func (a *Adapter) getMetadata(ctx context.Context) (fileMetadata, error) {
	body, _ := json.Marshal(map[string]string{"path": a.path})
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+"/2/files/get_metadata", bytes.NewReader(body))
	if err != nil {
		return fileMetadata{}, source.NewError(source.CodeNetwork, "dropbox: build request failed", err)
	}
	request.Header.Set("Authorization", "Bearer "+a.token)
	request.Header.Set("Content-Type", "application/json")

	response, err := a.client.Do(request)
	if err != nil {
		return fileMetadata{}, source.NewError(source.CodeNetwork, "dropbox: get_metadata failed", err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return fileMetadata{}, source.NewError(source.CodeNetwork, "dropbox: read response failed", err)
	}
	if response.StatusCode != http.StatusOK {
		return fileMetadata{}, classifyStatus(response.StatusCode, raw, "get_metadata")
	}

	var meta fileMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fileMetadata{}, source.NewError(source.CodeNetwork, "dropbox: malformed metadata response", err)
	}
	return meta, nil
}

// classifyStatus maps Dropbox failures onto the adapter error taxonomy.
// Dropbox reports both missing paths and rev conflicts as 409; the error
// summary in the body disambiguates them.
func classifyStatus(status int, body []byte, operation string) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return source.NewError(source.CodeUnauthorized, "dropbox: credentials rejected", nil)
	case http.StatusConflict:
		var details struct {
			ErrorSummary string `json:"error_summary"`
		}
		_ = json.Unmarshal(body, &details)
		if strings.Contains(details.ErrorSummary, "not_found") {
			return source.NewError(source.CodeNotFound, "dropbox: file not found", nil)
		}
		return source.NewError(source.CodeConflict, "dropbox: rev is stale, re-read required", nil)
	default:
		return source.NewError(source.CodeNetwork,
			fmt.Sprintf("dropbox: %s returned status %d", operation, status), nil)
	}
}
