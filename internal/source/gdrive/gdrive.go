// Package gdrive stores the bookmark envelope as a file in the Google Drive
// application data folder. Drive offers no usable conditional-write primitive
// for media uploads, so this adapter relies on the engine's checksum
// comparison alone.
package gdrive

import (
	"bytes"
	"context"
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
const TypeTag = "gdrive"

const (
	defaultAPIBase    = "https://www.googleapis.com"
	defaultFileName   = "bookmarks.json"
	appDataFolderName = "appDataFolder"
)

// Adapter implements source.Source over the Google Drive files API.
type Adapter struct {
	id       string
	fileName string
	fileID   string
	token    string
	apiBase  string
	client   *http.Client
	clock    func() time.Time
}

// New constructs the adapter from configuration.
func New(cfg source.Config) (*Adapter, error) {
	adapter := &Adapter{
		id:       cfg.ID,
		fileName: defaultFileName,
		fileID:   cfg.FileID,
		token:    cfg.Token,
		apiBase:  defaultAPIBase,
		client:   &http.Client{Timeout: cfg.Timeout()},
		clock:    time.Now,
	}
	if cfg.Path != "" {
		adapter.fileName = cfg.Path
	}
	if cfg.BaseURL != "" {
		adapter.apiBase = strings.TrimRight(cfg.BaseURL, "/")
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
		return source.NewError(source.CodeValidation, "gdrive: token is required", nil)
	}
	return nil
}

func (a *Adapter) Read(ctx context.Context) (bookmarks.BookmarkFile, error) {
	fileID, err := a.resolveFileID(ctx)
	if err != nil {
		return bookmarks.BookmarkFile{}, err
	}

	endpoint := fmt.Sprintf("%s/drive/v3/files/%s?alt=media", a.apiBase, url.PathEscape(fileID))
	raw, err := a.do(ctx, http.MethodGet, endpoint, nil, "")
	if err != nil {
		return bookmarks.BookmarkFile{}, err
	}

	var file bookmarks.BookmarkFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return bookmarks.BookmarkFile{}, source.NewError(source.CodeValidation, "gdrive: malformed envelope", err)
	}
	if err := file.Validate(); err != nil {
		return bookmarks.BookmarkFile{}, source.NewError(source.CodeValidation, "gdrive: corrupt envelope", err)
	}
	return file, nil
}

func (a *Adapter) Write(ctx context.Context, data *bookmarks.BookmarkFile) error {
	data.Stamp(a.clock())
	if err := data.Validate(); err != nil {
		return source.NewError(source.CodeValidation, "gdrive: refusing to write corrupt envelope", err)
	}

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return source.NewError(source.CodeValidation, "gdrive: encode failed", err)
	}

	fileID, err := a.resolveFileID(ctx)
	if source.IsNotFound(err) {
		return a.create(ctx, encoded)
	}
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/upload/drive/v3/files/%s?uploadType=media", a.apiBase, url.PathEscape(fileID))
	_, err = a.do(ctx, http.MethodPatch, endpoint, encoded, "application/json")
	return err
}

func (a *Adapter) GetChecksum(ctx context.Context) (string, error) {
	return source.ChecksumViaRead(ctx, a)
}

func (a *Adapter) IsAvailable(ctx context.Context) bool {
	return source.AvailableViaRead(ctx, a)
}

// ValidateCredentials checks that the token can list the app data folder.
func (a *Adapter) ValidateCredentials(ctx context.Context) (bool, error) {
	_, err := a.resolveFileID(ctx)
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
	file, err := a.Read(ctx)
	if err != nil {
		return source.Metadata{}, err
	}
	lastModified, _ := time.Parse(time.RFC3339, file.Metadata.LastModified)
	return source.Metadata{
		Checksum:     file.Metadata.Checksum,
		LastModified: lastModified,
		Revision:     a.fileID,
	}, nil
}

// resolveFileID finds the envelope in the app data folder, caching the id.
func (a *Adapter) resolveFileID(ctx context.Context) (string, error) {
	if a.fileID != "" {
		return a.fileID, nil
	}

	query := url.Values{}
	query.Set("spaces", appDataFolderName)
	query.Set("q", fmt.Sprintf("name = '%s' and trashed = false", a.fileName))
	query.Set("fields", "files(id,name)")
	endpoint := fmt.Sprintf("%s/drive/v3/files?%s", a.apiBase, query.Encode())

	raw, err := a.do(ctx, http.MethodGet, endpoint, nil, "")
	if err != nil {
		return "", err
	}

	var listing struct {
		Files []struct {
			ID string `json:"id"`
		} `json:"files"`
	}
	if err := json.Unmarshal(raw, &listing); err != nil {
		return "", source.NewError(source.CodeNetwork, "gdrive: malformed listing response", err)
	}
	if len(listing.Files) == 0 {
		return "", source.NewError(source.CodeNotFound, "gdrive: no bookmark file yet", nil)
	}
	a.fileID = listing.Files[0].ID
	return a.fileID, nil
}

func (a *Adapter) create(ctx context.Context, content []byte) error {
	metadata, _ := json.Marshal(map[string]any{
		"name":    a.fileName,
		"parents": []string{appDataFolderName},
	})

	var multipart bytes.Buffer
	boundary := "linkhaven-upload"
	fmt.Fprintf(&multipart, "--%s\r\nContent-Type: application/json; charset=UTF-8\r\n\r\n%s\r\n", boundary, metadata)
	fmt.Fprintf(&multipart, "--%s\r\nContent-Type: application/json\r\n\r\n%s\r\n--%s--", boundary, content, boundary)

	endpoint := fmt.Sprintf("%s/upload/drive/v3/files?uploadType=multipart", a.apiBase)
	raw, err := a.do(ctx, http.MethodPost, endpoint, multipart.Bytes(),
		fmt.Sprintf("multipart/related; boundary=%s", boundary))
	if err != nil {
		return err
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &created); err == nil && created.ID != "" {
		a.fileID = created.ID
	}
	return nil
}

func (a *Adapter) do(ctx context.Context, method, endpoint string, body []byte, contentType string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, source.NewError(source.CodeNetwork, "gdrive: build request failed", err)
	}
	request.Header.Set("Authorization", "Bearer "+a.token)
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}

	response, err := a.client.Do(request)
	if err != nil {
		return nil, source.NewError(source.CodeNetwork, "gdrive: request failed", err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, source.NewError(source.CodeNetwork, "gdrive: read response failed", err)
	}

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		return payload, nil
	case response.StatusCode == http.StatusNotFound:
		return nil, source.NewError(source.CodeNotFound, "gdrive: file not found", nil)
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return nil, source.NewError(source.CodeUnauthorized, "gdrive: credentials rejected", nil)
	default:
		return nil, source.NewError(source.CodeNetwork,
			fmt.Sprintf("gdrive: unexpected status %d", response.StatusCode), nil)
	}
}
