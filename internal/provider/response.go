package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuongbtq/keyword-intel/internal/domain"
)

// flexNumber accepts a JSON number, a numeric string, an empty string or null.
type flexNumber struct {
	value *float64
}

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := string(b)
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", b)
	}
	n.value = &f
	return nil
}

func (n flexNumber) float() *float64 {
	return n.value
}

func (n flexNumber) int() *int64 {
	if n.value == nil {
		return nil
	}
	v := int64(*n.value)
	return &v
}

// flexBool accepts true/false, "true"/"false" and 0/1.
type flexBool struct {
	set   bool
	value bool
}

func (v *flexBool) UnmarshalJSON(b []byte) error {
	switch strings.Trim(strings.ToLower(string(bytes.TrimSpace(b))), `"`) {
	case "null", "":
		return nil
	case "true", "1":
		v.set, v.value = true, true
	case "false", "0":
		v.set, v.value = true, false
	default:
		return fmt.Errorf("not a boolean: %s", b)
	}
	return nil
}

type rawTrendPoint struct {
	Month        string     `json:"month"`
	Date         string     `json:"date"`
	Volume       flexNumber `json:"volume"`
	SearchVolume flexNumber `json:"search_volume"`
}

type rawItem struct {
	Keyword      string          `json:"keyword"`
	IsDataFound  flexBool        `json:"is_data_found"`
	Volume       flexNumber      `json:"volume"`
	CPC          flexNumber      `json:"cpc"`
	Competition  flexNumber      `json:"competition"`
	Difficulty   flexNumber      `json:"difficulty"`
	HistoryTrend []rawTrendPoint `json:"history_trend"`
}

func (r rawItem) metrics() domain.KeywordMetrics {
	m := domain.KeywordMetrics{
		Keyword:     r.Keyword,
		Volume:      r.Volume.int(),
		CPC:         r.CPC.float(),
		Competition: r.Competition.float(),
		Difficulty:  r.Difficulty.float(),
	}
	if r.IsDataFound.set {
		m.IsDataFound = r.IsDataFound.value
	} else {
		m.IsDataFound = m.Volume != nil
	}

	for _, p := range r.HistoryTrend {
		month := p.Month
		if month == "" {
			month = p.Date
		}
		volume := p.Volume.int()
		if volume == nil {
			volume = p.SearchVolume.int()
		}
		if month == "" || volume == nil {
			continue
		}
		m.HistoryTrend = append(m.HistoryTrend, domain.TrendPoint{Month: month, Volume: *volume})
	}
	return m
}

// parseMetrics validates a provider payload: a JSON list of items, optionally
// wrapped in {"data": [...]}.
func parseMetrics(body []byte) ([]domain.KeywordMetrics, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '{' {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, domain.WrapError(domain.KindParsing, err, "invalid provider response")
		}
		body = bytes.TrimSpace(envelope.Data)
	}
	if len(body) == 0 || body[0] != '[' {
		return nil, domain.NewError(domain.KindParsing, "provider response is not a list")
	}

	var items []rawItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, domain.WrapError(domain.KindParsing, err, "invalid provider response item")
	}

	metrics := make([]domain.KeywordMetrics, 0, len(items))
	for i, item := range items {
		if strings.TrimSpace(item.Keyword) == "" {
			return nil, domain.NewError(domain.KindParsing, "provider response item %d has no keyword", i)
		}
		metrics = append(metrics, item.metrics())
	}
	return metrics, nil
}
