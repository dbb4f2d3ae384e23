package matcher

import (
	"math"
	"sort"
	"strings"

	"github.com/example/ride-presence/internal/geo"
	"github.com/example/ride-presence/internal/models"
)

// DefaultTopN is the maximum number of candidates shown to a viewer.
const DefaultTopN = 10

// Viewer is who the ranking is computed for.
type Viewer struct {
	Location *models.Coord
	Online   bool
	Role     models.Role
}

// Service ranks a candidate pool against a viewer. It has no side effects.
type Service struct {
	TopN           int
	Pricing        Policy
	ContactBaseURL string
}

func NewService() *Service {
	return &Service{TopN: DefaultTopN, Pricing: DefaultPolicy(), ContactBaseURL: DefaultContactBaseURL}
}

// Rank returns the nearest counterpart candidates, closest first, ranked from 1.
// Offline viewers see both roles; online viewers only see the opposite role.
func (s *Service) Rank(pool []models.PresenceRecord, v Viewer) []models.MatchedCandidate {
	if v.Location == nil {
		return []models.MatchedCandidate{}
	}
	topN := s.TopN
	if topN <= 0 {
		topN = DefaultTopN
	}
	var target models.Role
	if v.Online {
		target = v.Role.Opposite()
	}

	out := make([]models.MatchedCandidate, 0, len(pool))
	for _, r := range pool {
		if target != "" && r.Role != target {
			continue
		}
		out = append(out, models.MatchedCandidate{
			PresenceRecord: r,
			DistanceKm:     geo.DistanceKm(*v.Location, r.Location),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	if len(out) > topN {
		out = out[:topN]
	}
	for i := range out {
		out[i].Rank = i + 1
		out[i].EstimatedPrice = s.Pricing.Estimate(out[i].DistanceKm)
		out[i].ContactURL = ContactURL(s.ContactBaseURL, out[i].ContactHandle)
	}
	return out
}

const DefaultContactBaseURL = "https://t.me"

// ContactURL builds the messaging link used for both "message" and "call".
func ContactURL(base, handle string) string {
	if base == "" {
		base = DefaultContactBaseURL
	}
	return strings.TrimRight(base, "/") + "/" + models.NormalizeContact(handle)
}

type PricingMode string

const (
	// PricingFlat prices every candidate as if the trip were AssumedDistanceKm long.
	PricingFlat PricingMode = "flat"
	// PricingDistance prices by the candidate's distance to the viewer.
	PricingDistance PricingMode = "distance"
)

type Policy struct {
	PricePerKm        float64
	MinPrice          int
	AssumedDistanceKm float64
	Mode              PricingMode
}

func DefaultPolicy() Policy {
	return Policy{PricePerKm: 40, MinPrice: 150, AssumedDistanceKm: 4.5, Mode: PricingFlat}
}

// Estimate returns max(MinPrice, ceil(km * PricePerKm)). In flat mode km is the
// assumed trip length, so distanceKm is ignored.
func (p Policy) Estimate(distanceKm float64) int {
	km := p.AssumedDistanceKm
	if p.Mode == PricingDistance {
		km = distanceKm
	}
	price := int(math.Ceil(km * p.PricePerKm))
	if price < p.MinPrice {
		return p.MinPrice
	}
	return price
}
