package aidetect

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Capture-field weights for the metadata authenticity estimate. They sum to 1.
const (
	weightCamera    = 0.30
	weightLens      = 0.10
	weightExposure  = 0.25
	weightGPS       = 0.15
	weightTimestamp = 0.20
)

// Metadata score anchors.
const (
	metadataFloor       = 0.05 // every capture field present and consistent
	metadataSpan        = 0.90 // floor + span = no capture fields at all
	anomalyPenalty      = 0.05
	maxAnomalyPenalty   = 0.15
	CredentialScore     = 0.02 // validated content credential
	SignatureMatchScore = 0.98 // known generator signature
)

// Anomaly identifiers reported in MetadataEvidence.
const (
	AnomalyInvalidGPS          = "invalid_gps"
	AnomalyImplausibleTime     = "implausible_timestamp"
	AnomalyUnrealisticExposure = "unrealistic_exposure"
	AnomalySoftwareNoCamera    = "editing_software_without_camera"
	AnomalyGeneratorResolution = "generator_square_resolution"
)

// generatorSquareSizes are output sizes typical of diffusion models.
var generatorSquareSizes = map[int]bool{512: true, 768: true, 1024: true, 1536: true, 2048: true}

// earliestPlausibleCapture predates consumer digital cameras.
var earliestPlausibleCapture = time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)

// MetadataSignal is a single evidence point about an image's provenance.
type MetadataSignal struct {
	Source string `json:"source"` // "signature", "content_credential", "capture_fields", "anomaly"
	Detail string `json:"detail"`
}

// MetadataEvidence explains a metadata-layer score.
type MetadataEvidence struct {
	Authenticity      float64          `json:"authenticity"` // weighted share of present, consistent capture fields
	BaseScore         float64          `json:"base_score"`
	PresentFields     []string         `json:"present_fields"`
	MissingFields     []string         `json:"missing_fields"`
	Anomalies         []string         `json:"anomalies,omitempty"`
	Signatures        []string         `json:"ai_tool_signatures,omitempty"`
	ContentCredential bool             `json:"content_credential"`
	Override          string           `json:"override,omitempty"` // "signature", "content_credential" or ""
	Signals           []MetadataSignal `json:"signals"`
}

// Summary implements Evidence.
func (e MetadataEvidence) Summary() string {
	switch e.Override {
	case "signature":
		return "AI tool signature in metadata: " + strings.Join(e.Signatures, ", ")
	case "content_credential":
		return "validated content credential present"
	}
	var b strings.Builder
	if len(e.PresentFields) == 0 {
		b.WriteString("no camera metadata")
	} else {
		fmt.Fprintf(&b, "camera fields present: %s", strings.Join(e.PresentFields, ", "))
		if len(e.MissingFields) > 0 {
			fmt.Fprintf(&b, "; missing: %s", strings.Join(e.MissingFields, ", "))
		}
	}
	if len(e.Anomalies) > 0 {
		fmt.Fprintf(&b, "; anomalies: %s", strings.Join(e.Anomalies, ", "))
	}
	return b.String()
}

// ScoreMetadata derives an AI-likelihood from a metadata record.
// It never fails: an empty record is common and scores as AI-leaning.
//
// Resolution order: signature match > content credential > field heuristics.
func ScoreMetadata(rec MetadataRecord) LayerResult {
	ev := MetadataEvidence{
		PresentFields: []string{},
		MissingFields: []string{},
		Signals:       make([]MetadataSignal, 0, 4), //nolint:mnd // pre-allocate for the usual signal types
	}

	field := func(name string, weight float64, present, consistent bool, anomaly string) {
		switch {
		case !present:
			ev.MissingFields = append(ev.MissingFields, name)
		case !consistent:
			ev.MissingFields = append(ev.MissingFields, name)
			ev.Anomalies = append(ev.Anomalies, anomaly)
		default:
			ev.PresentFields = append(ev.PresentFields, name)
			ev.Authenticity += weight
		}
	}

	field("camera", weightCamera, rec.CameraModel != "", true, "")
	field("lens", weightLens, rec.Lens != "", true, "")
	field("exposure", weightExposure, !rec.Exposure.IsZero(), exposurePlausible(rec.Exposure), AnomalyUnrealisticExposure)
	field("gps", weightGPS, rec.GPS != nil, gpsValid(rec.GPS), AnomalyInvalidGPS)
	field("timestamp", weightTimestamp, rec.Timestamp != nil, timestampPlausible(rec.Timestamp), AnomalyImplausibleTime)

	if rec.Software != "" && rec.CameraModel == "" {
		ev.Anomalies = append(ev.Anomalies, AnomalySoftwareNoCamera)
	}
	if rec.Width > 0 && rec.Width == rec.Height && generatorSquareSizes[rec.Width] {
		ev.Anomalies = append(ev.Anomalies, AnomalyGeneratorResolution)
	}

	ev.Authenticity = math.Min(ev.Authenticity, 1)
	penalty := math.Min(float64(len(ev.Anomalies))*anomalyPenalty, maxAnomalyPenalty)
	ev.BaseScore = clamp01(metadataFloor + metadataSpan*(1-ev.Authenticity) + penalty)

	ev.Signals = append(ev.Signals, MetadataSignal{
		Source: "capture_fields",
		Detail: fmt.Sprintf("%d of 5 capture fields present and consistent", len(ev.PresentFields)),
	})
	for _, a := range ev.Anomalies {
		ev.Signals = append(ev.Signals, MetadataSignal{Source: "anomaly", Detail: a})
	}

	score := ev.BaseScore

	if rec.ContentCredentialPresent {
		ev.ContentCredential = true
		ev.Signals = append(ev.Signals, MetadataSignal{
			Source: "content_credential",
			Detail: "content credential manifest present",
		})
	}
	ev.Signatures = MatchSignatures(rec)
	for _, s := range ev.Signatures {
		ev.Signals = append(ev.Signals, MetadataSignal{Source: "signature", Detail: s})
	}

	// Direct evidence beats heuristics; a generator signature beats a credential.
	switch {
	case len(ev.Signatures) > 0:
		ev.Override = "signature"
		score = SignatureMatchScore
	case rec.ContentCredentialPresent:
		ev.Override = "content_credential"
		score = CredentialScore
	}

	return LayerResult{
		Layer:    LayerMetadata,
		Score:    clamp01(score),
		Evidence: ev,
	}
}

func gpsValid(g *GPSCoordinates) bool {
	if g == nil {
		return false
	}
	if math.IsNaN(g.Latitude) || math.IsNaN(g.Longitude) {
		return false
	}
	if g.Latitude < -90 || g.Latitude > 90 || g.Longitude < -180 || g.Longitude > 180 {
		return false
	}
	// (0,0) is what broken writers emit for "unknown".
	return g.Latitude != 0 || g.Longitude != 0
}

func timestampPlausible(t *time.Time) bool {
	if t == nil || t.IsZero() {
		return false
	}
	return !t.Before(earliestPlausibleCapture) && !t.After(time.Now().Add(24*time.Hour))
}

// exposurePlausible checks every recorded value against physical camera limits.
func exposurePlausible(e *ExposureSettings) bool {
	if e.IsZero() {
		return false
	}
	within := func(v, lo, hi float64) bool { return v == 0 || (v >= lo && v <= hi) }
	return within(e.FNumber, 0.7, 64) &&
		(e.ExposureTime == 0 || (e.ExposureTime > 0 && e.ExposureTime <= 3600)) &&
		within(e.ISO, 25, 409600) &&
		(e.FocalLength == 0 || (e.FocalLength > 0 && e.FocalLength <= 2000))
}
