package aidetect

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strconv"
	"strings"
	"time"

	"github.com/bep/imagemeta"
	_ "golang.org/x/image/webp"
)

// ExposureSettings are the capture parameters recorded by a camera.
// Zero means "not recorded".
type ExposureSettings struct {
	FNumber      float64 `json:"f_number,omitempty"`
	ExposureTime float64 `json:"exposure_time,omitempty"` // seconds
	ISO          float64 `json:"iso,omitempty"`
	FocalLength  float64 `json:"focal_length,omitempty"` // millimetres
}

// IsZero reports whether no exposure value was recorded.
func (e *ExposureSettings) IsZero() bool {
	return e == nil || (e.FNumber == 0 && e.ExposureTime == 0 && e.ISO == 0 && e.FocalLength == 0)
}

// GPSCoordinates is a decimal-degree position.
type GPSCoordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// MetadataRecord is the metadata embedded in an image. Every field is
// optional; the zero value is a valid record for an image without metadata.
type MetadataRecord struct {
	CameraMake               string            `json:"camera_make,omitempty"`
	CameraModel              string            `json:"camera_model,omitempty"`
	Lens                     string            `json:"lens,omitempty"`
	Exposure                 *ExposureSettings `json:"exposure_settings,omitempty"`
	GPS                      *GPSCoordinates   `json:"gps_coordinates,omitempty"`
	Timestamp                *time.Time        `json:"timestamp,omitempty"`
	Software                 string            `json:"software_tag,omitempty"`
	ContentCredentialPresent bool              `json:"content_credential_present"`

	// AISignatures are generator markers found outside the text fields,
	// e.g. an AI digital-source-type assertion inside a C2PA manifest.
	AISignatures []string `json:"ai_signatures,omitempty"`
	// TextFields holds other free-text tags (description, creator tool, ...)
	// keyed by tag name. They are scanned for generator signatures.
	TextFields map[string]string `json:"text_fields,omitempty"`

	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
}

// IsEmpty reports whether the record carries no metadata at all.
func (m MetadataRecord) IsEmpty() bool {
	return m.CameraMake == "" && m.CameraModel == "" && m.Lens == "" &&
		m.Exposure.IsZero() && m.GPS == nil && m.Timestamp == nil &&
		m.Software == "" && !m.ContentCredentialPresent &&
		len(m.AISignatures) == 0 && len(m.TextFields) == 0
}

// ExifExtractor reads EXIF, IPTC and XMP metadata with bep/imagemeta and
// scans for an embedded C2PA manifest store.
type ExifExtractor struct{}

// Extract implements Extractor.
func (ExifExtractor) Extract(data []byte) MetadataRecord {
	return ExtractMetadata(data)
}

// textTags are free-text tags copied into MetadataRecord.TextFields.
var textTags = map[string]bool{
	"Artist":             true,
	"ImageDescription":   true,
	"UserComment":        true,
	"CreatorTool":        true,
	"DigitalSourceType":  true,
	"Description":        true,
	"Credit":             true,
	"OriginatingProgram": true,
	"Creator":            true,
}

// captureTags are the camera fields mapped onto MetadataRecord.
var captureTags = map[string]bool{
	"Make":             true,
	"Model":            true,
	"LensModel":        true,
	"Lens":             true,
	"FNumber":          true,
	"ExposureTime":     true,
	"ISO":              true,
	"ISOSpeedRatings":  true,
	"FocalLength":      true,
	"DateTimeOriginal": true,
	"CreateDate":       true,
	"DateTime":         true,
	"Software":         true,
	"GPSLatitude":      true,
	"GPSLatitudeRef":   true,
	"GPSLongitude":     true,
	"GPSLongitudeRef":  true,
}

// metaFormats maps image.DecodeConfig format names to imagemeta formats.
// imagemeta cannot detect the format itself; unmapped formats (gif) are skipped.
var metaFormats = map[string]imagemeta.ImageFormat{
	"jpeg": imagemeta.JPEG,
	"png":  imagemeta.PNG,
	"webp": imagemeta.WebP,
	"tiff": imagemeta.TIFF,
}

var (
	tiffLE = []byte("II*\x00")
	tiffBE = []byte("MM\x00*")
)

// exifDateLayouts are the timestamp formats seen in EXIF and XMP.
var exifDateLayouts = []string{
	"2006:01:02 15:04:05",
	"2006:01:02 15:04:05-07:00",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.00",
	"2006-01-02",
}

// gpsParts collects GPS tags until all of them have been seen.
type gpsParts struct {
	lat, lon       float64
	hasLat, hasLon bool
	latRef, lonRef string
}

// ExtractMetadata parses metadata from raw image bytes.
// Graceful degradation: never fails, returns an empty record when nothing
// can be read.
func ExtractMetadata(data []byte) MetadataRecord {
	var rec MetadataRecord
	if len(data) == 0 {
		return rec
	}

	var format imagemeta.ImageFormat
	if cfg, name, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		rec.Width, rec.Height = cfg.Width, cfg.Height
		format = metaFormats[name]
	} else if bytes.HasPrefix(data, tiffLE) || bytes.HasPrefix(data, tiffBE) {
		format = imagemeta.TIFF
	}

	var exp ExposureSettings
	var gps gpsParts
	var dateOriginal, dateFallback string

	// A decode error keeps whatever was read before the failure.
	_, _ = imagemeta.Decode(imagemeta.Options{
		R:           bytes.NewReader(data),
		ImageFormat: format,
		Sources:     imagemeta.EXIF | imagemeta.IPTC | imagemeta.XMP,
		ShouldHandleTag: func(ti imagemeta.TagInfo) bool {
			return captureTags[ti.Tag] || textTags[ti.Tag]
		},
		HandleTag: func(ti imagemeta.TagInfo) error {
			switch ti.Tag {
			case "Make":
				setOnce(&rec.CameraMake, tagValueString(ti.Value))
			case "Model":
				setOnce(&rec.CameraModel, tagValueString(ti.Value))
			case "LensModel", "Lens":
				setOnce(&rec.Lens, tagValueString(ti.Value))
			case "Software":
				setOnce(&rec.Software, tagValueString(ti.Value))
			case "FNumber":
				setFloatOnce(&exp.FNumber, ti.Value)
			case "ExposureTime":
				setFloatOnce(&exp.ExposureTime, ti.Value)
			case "ISO", "ISOSpeedRatings":
				setFloatOnce(&exp.ISO, ti.Value)
			case "FocalLength":
				setFloatOnce(&exp.FocalLength, ti.Value)
			case "DateTimeOriginal", "CreateDate":
				setOnce(&dateOriginal, tagValueString(ti.Value))
			case "DateTime":
				setOnce(&dateFallback, tagValueString(ti.Value))
			case "GPSLatitude":
				gps.lat, gps.hasLat = tagDegrees(ti.Value)
			case "GPSLongitude":
				gps.lon, gps.hasLon = tagDegrees(ti.Value)
			case "GPSLatitudeRef":
				gps.latRef = strings.ToUpper(tagValueString(ti.Value))
			case "GPSLongitudeRef":
				gps.lonRef = strings.ToUpper(tagValueString(ti.Value))
			default:
				if s := strings.TrimSpace(tagValueString(ti.Value)); s != "" && textTags[ti.Tag] {
					if rec.TextFields == nil {
						rec.TextFields = make(map[string]string)
					}
					if _, ok := rec.TextFields[ti.Tag]; !ok {
						rec.TextFields[ti.Tag] = s
					}
				}
			}
			return nil
		},
	})
	if !exp.IsZero() {
		rec.Exposure = &exp
	}
	if gps.hasLat && gps.hasLon {
		rec.GPS = &GPSCoordinates{
			Latitude:  applyRef(gps.lat, gps.latRef, "S"),
			Longitude: applyRef(gps.lon, gps.lonRef, "W"),
		}
	}
	date := dateOriginal
	if date == "" {
		date = dateFallback
	}
	if t, ok := parseExifTime(date); ok {
		rec.Timestamp = &t
	}

	scanContentCredentials(data, &rec)
	return rec
}

func setOnce(dst *string, v string) {
	v = strings.TrimSpace(strings.TrimRight(v, "\x00"))
	if *dst == "" && v != "" {
		*dst = v
	}
}

func setFloatOnce(dst *float64, v any) {
	if *dst != 0 {
		return
	}
	if f, ok := tagFloat(v); ok {
		*dst = f
	}
}

func applyRef(v float64, ref, negative string) float64 {
	if ref == negative && v > 0 {
		return -v
	}
	return v
}

func parseExifTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(strings.TrimRight(s, "\x00"))
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range exifDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// tagValueString extracts a string from a tag value.
// XMP values may be string or []string (from altList/seqList).
func tagValueString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	case []string:
		if len(val) > 0 {
			return val[0]
		}
		return ""
	case []any:
		if len(val) > 0 {
			if s, ok := val[0].(string); ok {
				return s
			}
		}
		return ""
	default:
		return ""
	}
}

// float64er matches rational tag values.
type float64er interface {
	Float64() float64
}

// tagFloat extracts a number from a tag value. Rationals may arrive as
// Float64-capable values or as "n/d" strings.
func tagFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case float64er:
		return val.Float64(), true
	case string:
		return parseRational(val)
	case []any:
		if len(val) > 0 {
			return tagFloat(val[0])
		}
	case []uint16:
		if len(val) > 0 {
			return float64(val[0]), true
		}
	}
	return 0, false
}

// tagDegrees reads a GPS coordinate given either as decimal degrees or as a
// degrees/minutes/seconds triple.
func tagDegrees(v any) (float64, bool) {
	var parts []float64
	switch val := v.(type) {
	case []any:
		for _, p := range val {
			f, ok := tagFloat(p)
			if !ok {
				return 0, false
			}
			parts = append(parts, f)
		}
	case []float64:
		parts = val
	default:
		return tagFloat(v)
	}
	if len(parts) != 3 { //nolint:mnd // degrees, minutes, seconds
		return 0, false
	}
	return parts[0] + parts[1]/60 + parts[2]/3600, true
}

func parseRational(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.ParseFloat(strings.TrimSpace(num), 64)
		d, err2 := strconv.ParseFloat(strings.TrimSpace(den), 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0, false
		}
		return n / d, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
