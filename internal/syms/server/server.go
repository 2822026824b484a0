// Package server is the HTTP client the CLI uses to talk to a running
// symserver daemon.
package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/blacktop/symserver/api/types"
	"github.com/blacktop/symserver/internal/cache"
	"github.com/blacktop/symserver/internal/symtab"
)

type memo struct {
	Resolutions map[string]*symtab.Resolution
}

type Server struct {
	URL string

	cache *memo
}

func NewServer(url string) *Server {
	return &Server{
		URL: url,
		cache: &memo{
			Resolutions: make(map[string]*symtab.Resolution),
		},
	}
}

func (s Server) Ping() error {
	resp, err := http.Get(s.URL + "/v1/_ping")
	if err != nil {
		return fmt.Errorf("failed to ping symbol server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to ping symbol server: got response %s", resp.Status)
	}
	return nil
}

// Symbolicate resolves a batch of addresses for an identity triple. Results
// are memoized per address for the life of the client.
func (s Server) Symbolicate(addresses []string, device, version, build string) ([]symtab.Resolution, error) {
	key := cache.CanonicalKey(device, version, build)

	var out []symtab.Resolution
	var missing []string
	for _, addr := range addresses {
		if res, ok := s.cache.Resolutions[key+"@"+addr]; ok {
			out = append(out, *res)
			continue
		}
		missing = append(missing, addr)
	}
	if len(missing) == 0 {
		return out, nil
	}

	body, err := json.Marshal(types.SymbolicateRequest{
		Addresses: missing,
		Device:    device,
		Version:   version,
		Build:     build,
	})
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(s.URL+"/v1/symbolicate", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to symbolicate: symbol server response: %s", resp.Status)
	}
	var got struct {
		Resolutions []symtab.Resolution `json:"resolutions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		return nil, err
	}
	for i, res := range got.Resolutions {
		if i < len(missing) {
			r := res
			s.cache.Resolutions[key+"@"+missing[i]] = &r
		}
		out = append(out, res)
	}
	return out, nil
}

// Scan asks the daemon to make a firmware's symbol table resident.
func (s Server) Scan(device, version, build string, force bool) (string, error) {
	body, err := json.Marshal(types.ScanRequest{
		Device:  device,
		Version: version,
		Build:   build,
		Force:   force,
	})
	if err != nil {
		return "", err
	}
	resp, err := http.Post(s.URL+"/v1/scan", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to scan: symbol server response: %s", resp.Status)
	}
	var got struct {
		Status string `json:"status"`
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		return "", err
	}
	return got.Status, nil
}

// Stats fetches cache usage counters from the daemon.
func (s Server) Stats() (*cache.Stats, error) {
	resp, err := http.Get(s.URL + "/v1/stats")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get stats: symbol server response: %s", resp.Status)
	}
	var st cache.Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}
