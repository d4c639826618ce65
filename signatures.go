package aidetect

import (
	"regexp"
	"sort"
	"strings"
)

// GeneratorSignatures are lowercase names of image generators and AI editing
// tools, mapped to a display name. They are matched as whole words and only
// in fields that name the producing tool (see toolTextFields).
var GeneratorSignatures = map[string]string{
	"stable diffusion":  "Stable Diffusion",
	"stablediffusion":   "Stable Diffusion",
	"sdxl":              "Stable Diffusion XL",
	"automatic1111":     "AUTOMATIC1111",
	"comfyui":           "ComfyUI",
	"invokeai":          "InvokeAI",
	"midjourney":        "Midjourney",
	"dall-e":            "DALL-E",
	"dall·e":            "DALL-E",
	"dalle":             "DALL-E",
	"openai":            "OpenAI",
	"adobe firefly":     "Adobe Firefly",
	"firefly":           "Adobe Firefly",
	"novelai":           "NovelAI",
	"leonardo.ai":       "Leonardo.Ai",
	"ideogram":          "Ideogram",
	"black forest labs": "FLUX",
	"flux.1":            "FLUX",
	"google imagen":     "Google Imagen",
	"craiyon":           "Craiyon",
	"nightcafe":         "NightCafe",
	"dreamstudio":       "DreamStudio",
	"fooocus":           "Fooocus",
}

// toolTextFields are the TextFields keys that name the producing tool.
// Captions, comments and author names are free text and never matched
// against generator names.
var toolTextFields = map[string]bool{
	"CreatorTool":        true,
	"OriginatingProgram": true,
}

const (
	sdParametersSignature = "Stable Diffusion parameters"
	sourceTypeSignature   = "AI digital source type"
)

// Markers that are unambiguous in any free-text field.
var (
	// The parameter block written by Stable Diffusion front ends:
	// "Negative prompt: ...", "Steps: 20, Sampler: Euler a, CFG scale: 7".
	sdNegativePromptRe = regexp.MustCompile(`(?im)^\s*negative prompt:`)
	sdParametersRe     = regexp.MustCompile(`(?i)\bsteps:\s*\d+,\s*sampler:`)
	sourceTypeMarker   = "trainedalgorithmicmedia"
)

// generatorPatterns holds a whole-word pattern per GeneratorSignatures key.
var generatorPatterns = func() map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp, len(GeneratorSignatures))
	for kw := range GeneratorSignatures {
		m[kw] = regexp.MustCompile(`(?i)(?:^|[^\pL\pN])` + regexp.QuoteMeta(kw) + `(?:$|[^\pL\pN])`)
	}
	return m
}()

// MatchSignatures returns the sorted, de-duplicated generator names found in
// the record. Generator names count in the software tag, the camera make and
// model, and tool fields (CreatorTool, OriginatingProgram). Every text field
// is scanned for a Stable Diffusion parameter block or the IPTC
// trainedAlgorithmicMedia source type. AISignatures are carried over.
func MatchSignatures(rec MetadataRecord) []string {
	tools := []string{rec.Software, rec.CameraMake, rec.CameraModel}
	for k, v := range rec.TextFields {
		if toolTextFields[k] {
			tools = append(tools, v)
		}
	}

	found := make(map[string]bool)
	for _, f := range tools {
		if f == "" {
			continue
		}
		for kw, name := range GeneratorSignatures {
			if generatorPatterns[kw].MatchString(f) {
				found[name] = true
			}
		}
	}

	for _, v := range rec.TextFields {
		if sdNegativePromptRe.MatchString(v) || sdParametersRe.MatchString(v) {
			found[sdParametersSignature] = true
		}
		if strings.Contains(strings.ToLower(v), sourceTypeMarker) {
			found[sourceTypeSignature] = true
		}
	}
	for _, s := range rec.AISignatures {
		if strings.Contains(strings.ToLower(s), sourceTypeMarker) {
			found[sourceTypeSignature] = true
		} else if s != "" {
			found[s] = true
		}
	}

	if len(found) == 0 {
		return nil
	}
	names := make([]string, 0, len(found))
	for n := range found {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
