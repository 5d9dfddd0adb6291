package autoreply

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nugget/wagate/internal/gateway"
	"github.com/nugget/wagate/internal/shipping"
)

// defaultWeightGrams is assumed when the command omits a weight.
const defaultWeightGrams = 1000

// defaultCourier is quoted when the command names no courier.
const defaultCourier = "jne"

const ongkirUsage = "Format: cek ongkir [dari] <kota asal> ke <kota tujuan> [berat] [kurir]\n" +
	"Berat dalam gram atau kg (contoh: 1500 atau 2kg), kurir default jne.\n" +
	"Contoh: cek ongkir dari jakarta ke bandung 2kg jne"

// knownCouriers are the courier codes accepted as a trailing argument.
// Anything else stays part of the destination city name.
var knownCouriers = map[string]bool{
	"jne":      true,
	"pos":      true,
	"tiki":     true,
	"jnt":      true,
	"j&t":      true,
	"sicepat":  true,
	"anteraja": true,
	"ninja":    true,
	"wahana":   true,
}

// ongkirQuery is a parsed "cek ongkir" command.
type ongkirQuery struct {
	Origin      string
	Destination string
	WeightGrams int
	Courier     string
}

// parseOngkir recognizes the shipping-cost command, grammar
// "cek ongkir [dari] <asal> ke <tujuan> [berat] [kurir]". ok is false
// when the text is not the command at all; a recognized command with
// bad arguments returns ok with a nil query so the caller can answer
// with usage help. City names may span several words; the "ke" token
// separates origin from destination.
func parseOngkir(text string) (q *ongkirQuery, ok bool) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(text)))
	if len(fields) < 2 || fields[0] != "cek" || fields[1] != "ongkir" {
		return nil, false
	}
	args := fields[2:]
	if len(args) > 0 && args[0] == "dari" {
		args = args[1:]
	}

	sep := -1
	for i, f := range args {
		if f == "ke" {
			sep = i
			break
		}
	}
	if sep <= 0 {
		return nil, true
	}
	origin := strings.Join(args[:sep], " ")
	rest := args[sep+1:]

	courier := defaultCourier
	if len(rest) > 0 && knownCouriers[rest[len(rest)-1]] {
		courier = rest[len(rest)-1]
		rest = rest[:len(rest)-1]
	}
	weight := defaultWeightGrams
	if len(rest) > 0 {
		if grams, isWeight := parseWeight(rest[len(rest)-1]); isWeight {
			if grams <= 0 || grams > 30000 {
				return nil, true
			}
			weight = grams
			rest = rest[:len(rest)-1]
		}
	}
	if len(rest) == 0 {
		return nil, true
	}
	return &ongkirQuery{
		Origin:      origin,
		Destination: strings.Join(rest, " "),
		WeightGrams: weight,
		Courier:     courier,
	}, true
}

// parseWeight reads a weight argument: a bare number is grams, a "kg"
// suffix converts to grams. isWeight is false for non-numeric tokens.
func parseWeight(s string) (grams int, isWeight bool) {
	if kg, found := strings.CutSuffix(s, "kg"); found {
		f, err := strconv.ParseFloat(kg, 64)
		if err != nil {
			return 0, false
		}
		return int(f * 1000), true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// answerOngkir resolves both cities and formats a rate table reply.
func (e *Engine) answerOngkir(ctx context.Context, q *ongkirQuery) string {
	if q == nil {
		return ongkirUsage
	}

	origin, err := e.shipping.FindCity(ctx, q.Origin)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return fmt.Sprintf("Kota asal %q tidak ditemukan.\n\n%s", q.Origin, ongkirUsage)
		}
		e.logger.Warn("origin lookup failed", "city", q.Origin, "error", err)
		return "Layanan cek ongkir sedang tidak tersedia, coba lagi nanti."
	}
	dest, err := e.shipping.FindCity(ctx, q.Destination)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return fmt.Sprintf("Kota tujuan %q tidak ditemukan.\n\n%s", q.Destination, ongkirUsage)
		}
		e.logger.Warn("destination lookup failed", "city", q.Destination, "error", err)
		return "Layanan cek ongkir sedang tidak tersedia, coba lagi nanti."
	}

	rates, err := e.shipping.Cost(ctx, origin.ID, dest.ID, q.WeightGrams, q.Courier)
	if err != nil {
		e.logger.Warn("rate lookup failed",
			"origin", origin.Name,
			"destination", dest.Name,
			"courier", q.Courier,
			"error", err,
		)
		return "Layanan cek ongkir sedang tidak tersedia, coba lagi nanti."
	}
	return formatRates(origin, dest, q.WeightGrams, q.Courier, rates)
}

func formatRates(origin, dest *shipping.City, weightGrams int, courier string, rates []shipping.Rate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ongkir %s → %s (%d gram, %s):\n",
		origin.Name, dest.Name, weightGrams, strings.ToUpper(courier))
	for _, r := range rates {
		fmt.Fprintf(&b, "\n%s %s: Rp%s", r.Courier, r.Service, groupDigits(r.Cost))
		if r.ETD != "" {
			fmt.Fprintf(&b, " (%s hari)", strings.TrimSuffix(r.ETD, " HARI"))
		}
	}
	return b.String()
}

// groupDigits renders 15000 as "15.000" per Indonesian convention.
func groupDigits(n int) string {
	s := strconv.Itoa(n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
