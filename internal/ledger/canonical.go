package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// fingerprintDomain separates item fingerprints from any other sha256 use.
// Bump the version suffix if the canonical encoding ever changes.
const fingerprintDomain = "invoicesync/items/v1"

// RawItem is a line item as delivered by an ERP source. Any field may be
// missing; missing numbers coerce to zero and missing strings to "".
type RawItem struct {
	Idx      *int     `json:"idx"`
	ItemCode *string  `json:"item_code"`
	ItemName *string  `json:"item_name"`
	Qty      *float64 `json:"qty"`
	Rate     *float64 `json:"rate"`
	Amount   *float64 `json:"amount"`
}

type itemKey struct {
	idx  int
	code string
}

// DedupeItems collapses items sharing (idx, item_code), comparing codes in
// their canonical form. The first occurrence wins and input order is
// otherwise preserved.
func DedupeItems(items []RawItem) []RawItem {
	seen := make(map[itemKey]struct{}, len(items))
	out := make([]RawItem, 0, len(items))
	for _, item := range items {
		key := itemKey{idx: intValue(item.Idx), code: canonicalString(stringValue(item.ItemCode))}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}

// Canonicalize normalizes raw items and orders them by (idx, item_code).
func Canonicalize(items []RawItem) []LineItem {
	out := make([]LineItem, 0, len(items))
	for _, item := range items {
		out = append(out, LineItem{
			Idx:      intValue(item.Idx),
			ItemCode: canonicalString(stringValue(item.ItemCode)),
			ItemName: canonicalString(stringValue(item.ItemName)),
			Qty:      floatValue(item.Qty),
			Rate:     floatValue(item.Rate),
			Amount:   floatValue(item.Amount),
		})
	}
	sortItems(out)
	return out
}

// canonicalItem fixes the encoded key order (alphabetical).
type canonicalItem struct {
	Amount   float64 `json:"amount"`
	Idx      int     `json:"idx"`
	ItemCode string  `json:"item_code"`
	ItemName string  `json:"item_name"`
	Qty      float64 `json:"qty"`
	Rate     float64 `json:"rate"`
}

// CanonicalBytes returns the whitespace-free JSON array of the items in
// canonical order. It is stable regardless of the input order.
func CanonicalBytes(items []LineItem) ([]byte, error) {
	sorted := append([]LineItem(nil), items...)
	sortItems(sorted)
	encoded := make([]canonicalItem, 0, len(sorted))
	for _, item := range sorted {
		encoded = append(encoded, canonicalItem{
			Amount:   item.Amount,
			Idx:      item.Idx,
			ItemCode: canonicalString(item.ItemCode),
			ItemName: canonicalString(item.ItemName),
			Qty:      item.Qty,
			Rate:     item.Rate,
		})
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(encoded); err != nil {
		return nil, fmt.Errorf("canonical items: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Fingerprint is the hex sha256 of the canonical item encoding.
func Fingerprint(items []LineItem) (string, error) {
	data, err := CanonicalBytes(items)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(fingerprintDomain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sortItems(items []LineItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Idx != items[j].Idx {
			return items[i].Idx < items[j].Idx
		}
		return items[i].ItemCode < items[j].ItemCode
	})
}

func canonicalString(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func intValue(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func stringValue(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func floatValue(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
