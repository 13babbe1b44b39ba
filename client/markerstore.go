package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"
)

// MarkerStore is the REST client for the external marker persistence
// service. The sync core never owns marker data: callers persist a
// marker here first and only then announce it over the room channel.
type MarkerStore struct {
	baseURL string
	client  *http.Client
}

func NewMarkerStore(baseURL string) *MarkerStore {
	return &MarkerStore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: time.Second * 10},
	}
}

// Create persists a marker and returns the stored record, including the
// id assigned by the service.
func (s *MarkerStore) Create(ctx context.Context, videoID string, marker interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(marker)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/videos/%s/markers", s.baseURL, videoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return s.do(req, http.StatusCreated, http.StatusOK)
}

// Delete removes a persisted marker. A missing marker is not an error:
// deletes may race between authorities.
func (s *MarkerStore) Delete(ctx context.Context, videoID, markerID string) error {
	url := fmt.Sprintf("%s/videos/%s/markers/%s", s.baseURL, videoID, markerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}

	_, err = s.do(req, http.StatusOK, http.StatusNoContent, http.StatusNotFound)
	return err
}

// List fetches every persisted marker for a video.
func (s *MarkerStore) List(ctx context.Context, videoID string) ([]json.RawMessage, error) {
	url := fmt.Sprintf("%s/videos/%s/markers", s.baseURL, videoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	body, err := s.do(req, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var markers []json.RawMessage
	if err = json.Unmarshal(body, &markers); err != nil {
		return nil, err
	}
	return markers, nil
}

func (s *MarkerStore) do(req *http.Request, acceptable ...int) (json.RawMessage, error) {
	res, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	body, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	for _, code := range acceptable {
		if res.StatusCode == code {
			return body, nil
		}
	}
	return nil, fmt.Errorf("marker store: %s %s returned %d", req.Method, req.URL.Path, res.StatusCode)
}
