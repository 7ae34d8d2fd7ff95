package parse

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	roomRe  = regexp.MustCompile(`^([A-Za-z0-9]+)[\s\-_/]+(\d+)[\s\-_/]+(\d+)$`)
	spaceRe = regexp.MustCompile(`\s+`)
)

// RoomNumber holds the parts of a room number of the form <block>-<floor>-<seq>.
type RoomNumber struct {
	Block string
	Floor int
	Seq   int
	// Normalized is the canonical spelling, e.g. "A-1-01".
	Normalized string
}

// ParseRoomNumber splits a room number such as "A-1-01", "a 1 01" or
// "B/2/14" into its block, floor and sequence.
func ParseRoomNumber(raw string) (RoomNumber, error) {
	s := strings.TrimSpace(spaceRe.ReplaceAllString(raw, " "))
	m := roomRe.FindStringSubmatch(s)
	if m == nil {
		return RoomNumber{}, fmt.Errorf("unable to parse room number: %q", raw)
	}

	floor, err := strconv.Atoi(m[2])
	if err != nil {
		return RoomNumber{}, fmt.Errorf("unable to parse floor from room number %q: %w", raw, err)
	}
	seq, err := strconv.Atoi(m[3])
	if err != nil {
		return RoomNumber{}, fmt.Errorf("unable to parse sequence from room number %q: %w", raw, err)
	}

	block := strings.ToUpper(m[1])
	return RoomNumber{
		Block:      block,
		Floor:      floor,
		Seq:        seq,
		Normalized: fmt.Sprintf("%s-%d-%s", block, floor, m[3]),
	}, nil
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, "02/01/2006"}

// ParseDate reads a calendar date and returns midnight UTC of that day.
func ParseDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, errors.New("date is empty")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse date: %q", raw)
}

// ParseFee reads a non-negative money amount with at most two decimals.
func ParseFee(raw string) (decimal.Decimal, error) {
	fee, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("unable to parse fee %q: %w", raw, err)
	}
	if fee.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("fee must not be negative: %s", fee)
	}
	if !fee.Equal(fee.Round(2)) {
		return decimal.Decimal{}, fmt.Errorf("fee has more than two decimals: %s", fee)
	}
	return fee, nil
}
