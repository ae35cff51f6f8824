package cloud

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

	"github.com/linkhaven/linkhaven/internal/source"
)

// HTTPStore implements Store against a remote linkhaven-cloud service. The
// bearer token identifies the user server-side; the userID passed to each
// method is validated against it by the service.
type HTTPStore struct {
	baseURL string
	token   string
	client  *http.Client
}

// HTTPStoreConfig configures the remote store client.
type HTTPStoreConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// NewHTTPStore constructs the client.
func NewHTTPStore(cfg HTTPStoreConfig) (*HTTPStore, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("cloud: base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = source.DefaultHTTPTimeout
	}
	return &HTTPStore{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type rowPayload struct {
	Data     Snapshot `json:"data"`
	Checksum string   `json:"checksum"`
	Version  int64    `json:"version"`
}

type putRowPayload struct {
	Data            Snapshot `json:"data"`
	ExpectedVersion int64    `json:"expected_version"`
}

type syncStatePayload struct {
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name"`
	LastSyncAt time.Time `json:"last_sync_at"`
	Checksum   string    `json:"checksum"`
	Version    int64     `json:"version"`
}

type devicePayload struct {
	DeviceID   string    `json:"device_id"`
	Name       string    `json:"name"`
	Browser    string    `json:"browser"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

func (s *HTTPStore) FetchRow(ctx context.Context, _ UserID) (Row, error) {
	body, status, err := s.do(ctx, http.MethodGet, "/v1/bookmarks", nil)
	if status == http.StatusNotFound {
		return Row{}, ErrNoData
	}
	if err != nil {
		return Row{}, err
	}

	var payload rowPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Row{}, source.NewError(source.CodeNetwork, "cloud: malformed row response", err)
	}
	return Row{Snapshot: payload.Data, Checksum: payload.Checksum, Version: payload.Version}, nil
}

func (s *HTTPStore) StoreRow(ctx context.Context, _ UserID, snapshot Snapshot, expectedVersion int64) (Row, error) {
	requestBody, err := json.Marshal(putRowPayload{Data: snapshot, ExpectedVersion: expectedVersion})
	if err != nil {
		return Row{}, fmt.Errorf("cloud: encode row: %w", err)
	}

	body, status, err := s.do(ctx, http.MethodPut, "/v1/bookmarks", requestBody)
	if status == http.StatusConflict {
		return Row{}, ErrVersionConflict
	}
	if err != nil {
		return Row{}, err
	}

	var payload rowPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Row{}, source.NewError(source.CodeNetwork, "cloud: malformed write response", err)
	}
	return Row{Snapshot: snapshot, Checksum: payload.Checksum, Version: payload.Version}, nil
}

func (s *HTTPStore) DeleteRow(ctx context.Context, _ UserID) error {
	_, _, err := s.do(ctx, http.MethodDelete, "/v1/bookmarks", nil)
	return err
}

func (s *HTTPStore) FetchSyncState(ctx context.Context, _ UserID, deviceID DeviceID) (SyncState, bool, error) {
	path := "/v1/devices/" + url.PathEscape(deviceID.String()) + "/state"
	body, status, err := s.do(ctx, http.MethodGet, path, nil)
	if status == http.StatusNotFound {
		return SyncState{}, false, nil
	}
	if err != nil {
		return SyncState{}, false, err
	}

	var payload syncStatePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return SyncState{}, false, source.NewError(source.CodeNetwork, "cloud: malformed state response", err)
	}
	return SyncState{
		DeviceID:   payload.DeviceID,
		DeviceName: payload.DeviceName,
		LastSyncAt: payload.LastSyncAt,
		Checksum:   payload.Checksum,
		Version:    payload.Version,
	}, true, nil
}

func (s *HTTPStore) SaveSyncState(ctx context.Context, state SyncState) error {
	requestBody, err := json.Marshal(syncStatePayload{
		DeviceID:   state.DeviceID,
		DeviceName: state.DeviceName,
		LastSyncAt: state.LastSyncAt,
		Checksum:   state.Checksum,
		Version:    state.Version,
	})
	if err != nil {
		return fmt.Errorf("cloud: encode state: %w", err)
	}
	path := "/v1/devices/" + url.PathEscape(state.DeviceID) + "/state"
	_, _, err = s.do(ctx, http.MethodPut, path, requestBody)
	return err
}

func (s *HTTPStore) ListDevices(ctx context.Context, _ UserID) ([]Device, error) {
	body, _, err := s.do(ctx, http.MethodGet, "/v1/devices", nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Devices []devicePayload `json:"devices"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, source.NewError(source.CodeNetwork, "cloud: malformed devices response", err)
	}

	devices := make([]Device, 0, len(payload.Devices))
	for _, item := range payload.Devices {
		devices = append(devices, Device{
			DeviceID:   item.DeviceID,
			Name:       item.Name,
			Browser:    item.Browser,
			LastSeenAt: item.LastSeenAt,
		})
	}
	return devices, nil
}

func (s *HTTPStore) TouchDevice(ctx context.Context, device Device) error {
	requestBody, err := json.Marshal(devicePayload{
		DeviceID: device.DeviceID,
		Name:     device.Name,
		Browser:  device.Browser,
	})
	if err != nil {
		return fmt.Errorf("cloud: encode device: %w", err)
	}
	path := "/v1/devices/" + url.PathEscape(device.DeviceID)
	_, _, err = s.do(ctx, http.MethodPut, path, requestBody)
	return err
}

func (s *HTTPStore) RemoveDevice(ctx context.Context, _ UserID, deviceID DeviceID) error {
	path := "/v1/devices/" + url.PathEscape(deviceID.String())
	_, _, err := s.do(ctx, http.MethodDelete, path, nil)
	return err
}

func (s *HTTPStore) do(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, 0, source.NewError(source.CodeNetwork, "cloud: build request failed", err)
	}
	if s.token != "" {
		request.Header.Set("Authorization", "Bearer "+s.token)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := s.client.Do(request)
	if err != nil {
		return nil, 0, source.NewError(source.CodeNetwork, "cloud: request failed", err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, response.StatusCode, source.NewError(source.CodeNetwork, "cloud: read response failed", err)
	}

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		return payload, response.StatusCode, nil
	case response.StatusCode == http.StatusNotFound:
		return nil, response.StatusCode, source.NewError(source.CodeNotFound, "cloud: not found", nil)
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return nil, response.StatusCode, source.NewError(source.CodeUnauthorized, "cloud: credentials rejected", nil)
	case response.StatusCode == http.StatusConflict:
		return nil, response.StatusCode, source.NewError(source.CodeConflict, "cloud: version conflict", nil)
	default:
		return nil, response.StatusCode, source.NewError(source.CodeNetwork,
			fmt.Sprintf("cloud: unexpected status %d", response.StatusCode), nil)
	}
}
