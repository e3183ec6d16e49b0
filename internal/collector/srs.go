package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"streamwatch/internal/models"
)

// flexNumber tolerates SRS emitting counters either as JSON numbers or as
// quoted strings, which varies between SRS versions.
type flexNumber float64

func (f *flexNumber) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse number %q: %w", s, err)
	}
	*f = flexNumber(v)
	return nil
}

type srsKbps struct {
	Recv30s flexNumber `json:"recv_30s"`
	Send30s flexNumber `json:"send_30s"`
}

type srsBytes struct {
	Recv flexNumber `json:"recv"`
	Send flexNumber `json:"send"`
}

type srsStream struct {
	Kbps  srsKbps  `json:"kbps"`
	Bytes srsBytes `json:"bytes"`
}

type srsClient struct {
	Type string `json:"type"`
}

func (c *Collector) collectSRS(ctx context.Context, srv *models.Server, s *Sample) error {
	body, status, elapsed, err := c.fetch(ctx, srv, srv.APIEndpoint+"/api/v1/clients", primaryTimeout)
	if err != nil {
		return fmt.Errorf("srs clients: %w", err)
	}
	if body == nil {
		// Refused with a non-200; leave the connection fields unset.
		c.log.Warn("srs clients endpoint refused", "server", srv.Hostname, "status", status)
		return nil
	}
	var clientsResp struct {
		Clients []srsClient `json:"clients"`
	}
	if err := json.Unmarshal(body, &clientsResp); err != nil {
		return fmt.Errorf("srs clients: %w", err)
	}
	s.ActiveConnections = len(clientsResp.Clients)
	for _, cl := range clientsResp.Clients {
		if cl.Type == "hls" {
			s.HLSConnections++
		}
	}
	s.ResponseTimeMs = &elapsed

	// Bandwidth enrichment is best-effort: the connection counts above must
	// survive even when both bandwidth sources fail.
	bw, err := c.fetchStreamBandwidth(ctx, srv)
	if err != nil {
		c.log.Debug("srs streams unavailable, trying summaries", "server", srv.Hostname, "err", err)
		bw, err = c.fetchSummaryBandwidth(ctx, srv)
		if err != nil {
			c.log.Debug("srs summaries unavailable", "server", srv.Hostname, "err", err)
			return nil
		}
	}
	s.Bandwidth = bw
	return nil
}

// fetchStreamBandwidth sums per-stream bandwidth from /api/v1/streams. SRS
// deployments answer with one of three shapes: a top-level "streams" key, a
// bare array, or a nested data.streams list.
func (c *Collector) fetchStreamBandwidth(ctx context.Context, srv *models.Server) (*Bandwidth, error) {
	body, status, _, err := c.fetch(ctx, srv, srv.APIEndpoint+"/api/v1/streams", enrichmentTimeout)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, fmt.Errorf("streams endpoint status %d", status)
	}
	streams, err := decodeStreamList(body)
	if err != nil {
		return nil, err
	}

	bw := &Bandwidth{Source: "streams", StreamCount: len(streams)}
	for _, st := range streams {
		bw.InMbps += float64(st.Kbps.Recv30s) / 1000
		bw.OutMbps += float64(st.Kbps.Send30s) / 1000
		bw.BytesReceived += int64(st.Bytes.Recv)
		bw.BytesSent += int64(st.Bytes.Send)
	}
	return bw, nil
}

func decodeStreamList(body []byte) ([]srsStream, error) {
	var wrapped struct {
		Streams []srsStream `json:"streams"`
		Data    struct {
			Streams []srsStream `json:"streams"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil {
		if len(wrapped.Streams) > 0 {
			return wrapped.Streams, nil
		}
		if len(wrapped.Data.Streams) > 0 {
			return wrapped.Data.Streams, nil
		}
	}
	var bare []srsStream
	if err := json.Unmarshal(body, &bare); err == nil && len(bare) > 0 {
		return bare, nil
	}
	return nil, errors.New("no stream list in response")
}

// fetchSummaryBandwidth reads the same counters from /api/v1/summaries,
// where they live on a single data object instead of per stream.
func (c *Collector) fetchSummaryBandwidth(ctx context.Context, srv *models.Server) (*Bandwidth, error) {
	body, status, _, err := c.fetch(ctx, srv, srv.APIEndpoint+"/api/v1/summaries", enrichmentTimeout)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, fmt.Errorf("summaries endpoint status %d", status)
	}
	var resp struct {
		Data struct {
			Kbps  *srsKbps  `json:"kbps"`
			Bytes *srsBytes `json:"bytes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.Data.Kbps == nil && resp.Data.Bytes == nil {
		return nil, errors.New("no bandwidth data in summaries")
	}
	bw := &Bandwidth{Source: "summaries"}
	if resp.Data.Kbps != nil {
		bw.InMbps = float64(resp.Data.Kbps.Recv30s) / 1000
		bw.OutMbps = float64(resp.Data.Kbps.Send30s) / 1000
	}
	if resp.Data.Bytes != nil {
		bw.BytesReceived = int64(resp.Data.Bytes.Recv)
		bw.BytesSent = int64(resp.Data.Bytes.Send)
	}
	return bw, nil
}
