package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const slideSchemaURL = "https://spherical.dev/schemas/slide.json"

const slideSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["title", "content", "visual_elements"],
  "properties": {
    "title": {"type": "string"},
    "content": {"type": "array", "items": {"type": "string"}},
    "visual_elements": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["box"],
        "properties": {
          "box": {
            "type": "object",
            "required": ["x", "y", "w", "h"],
            "properties": {
              "x": {"type": "number"},
              "y": {"type": "number"},
              "w": {"type": "number"},
              "h": {"type": "number"}
            }
          },
          "size": {"type": "integer"},
          "label": {"type": "string"}
        }
      }
    },
    "title_alignment": {"type": "string"},
    "content_alignment": {"type": "string"},
    "speaker_notes": {"type": "string"},
    "background_color_hex": {"type": "string"},
    "text_color_hex": {"type": "string"}
  }
}`

var compiledSlideSchema = jsonschema.MustCompileString(slideSchemaURL, slideSchema)

// Quality tags how well a model reply matched the slide schema
type Quality string

const (
	QualityValid   Quality = "valid"
	QualityPartial Quality = "partial"
	QualityInvalid Quality = "invalid"
)

// ErrEmptyReply is returned for a blank model reply.
var ErrEmptyReply = errors.New("empty model reply")

// SlideBox is a box as the model reports it
type SlideBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// SlideVisual is a visual element as the model reports it
type SlideVisual struct {
	Box   SlideBox `json:"box"`
	Size  int      `json:"size"`
	Label string   `json:"label"`
}

// SlideReply is the decoded model reply
type SlideReply struct {
	Title            string        `json:"title"`
	Content          []string      `json:"content"`
	VisualElements   []SlideVisual `json:"visual_elements"`
	TitleAlignment   string        `json:"title_alignment"`
	ContentAlignment string        `json:"content_alignment"`
	SpeakerNotes     string        `json:"speaker_notes"`
	BackgroundColor  string        `json:"background_color_hex"`
	TextColor        string        `json:"text_color_hex"`
}

// DecodeSlide strictly decodes a model reply. A reply that fails schema
// validation is decoded leniently and tagged partial if a title or any
// bullet survives; otherwise it is invalid.
func DecodeSlide(raw string) (SlideReply, Quality, error) {
	body := extractJSON(raw)
	if body == "" {
		return SlideReply{}, QualityInvalid, ErrEmptyReply
	}

	var doc interface{}
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return SlideReply{}, QualityInvalid, fmt.Errorf("reply is not JSON: %w", err)
	}

	schemaErr := compiledSlideSchema.Validate(doc)
	if schemaErr == nil {
		var reply SlideReply
		if err := json.Unmarshal([]byte(body), &reply); err != nil {
			return SlideReply{}, QualityInvalid, fmt.Errorf("decode reply: %w", err)
		}
		return reply, QualityValid, nil
	}

	reply, ok := lenientDecode(doc)
	if !ok {
		return SlideReply{}, QualityInvalid, fmt.Errorf("reply does not match slide schema: %w", schemaErr)
	}
	return reply, QualityPartial, schemaErr
}

// lenientDecode salvages whatever fields have the right shape
func lenientDecode(doc interface{}) (SlideReply, bool) {
	obj, ok := doc.(map[string]interface{})
	if !ok {
		return SlideReply{}, false
	}

	var reply SlideReply
	if s, ok := obj["title"].(string); ok {
		reply.Title = s
	}

	switch c := obj["content"].(type) {
	case []interface{}:
		for _, item := range c {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				reply.Content = append(reply.Content, s)
			}
		}
	case string:
		for _, line := range strings.Split(c, "\n") {
			if line = strings.TrimSpace(strings.TrimLeft(line, "-*• ")); line != "" {
				reply.Content = append(reply.Content, line)
			}
		}
	}

	if items, ok := obj["visual_elements"].([]interface{}); ok {
		for _, item := range items {
			if v, ok := lenientVisual(item); ok {
				reply.VisualElements = append(reply.VisualElements, v)
			}
		}
	}

	reply.TitleAlignment, _ = obj["title_alignment"].(string)
	reply.ContentAlignment, _ = obj["content_alignment"].(string)
	reply.SpeakerNotes, _ = obj["speaker_notes"].(string)
	reply.BackgroundColor, _ = obj["background_color_hex"].(string)
	reply.TextColor, _ = obj["text_color_hex"].(string)

	return reply, strings.TrimSpace(reply.Title) != "" || len(reply.Content) > 0
}

func lenientVisual(item interface{}) (SlideVisual, bool) {
	m, ok := item.(map[string]interface{})
	if !ok {
		return SlideVisual{}, false
	}
	box, ok := m["box"].(map[string]interface{})
	if !ok {
		return SlideVisual{}, false
	}
	var v SlideVisual
	var okX, okY, okW, okH bool
	v.Box.X, okX = box["x"].(float64)
	v.Box.Y, okY = box["y"].(float64)
	v.Box.W, okW = box["w"].(float64)
	v.Box.H, okH = box["h"].(float64)
	if !(okX && okY && okW && okH) {
		return SlideVisual{}, false
	}
	if size, ok := m["size"].(float64); ok {
		v.Size = int(size)
	}
	v.Label, _ = m["label"].(string)
	return v, true
}

// extractJSON strips markdown fences and surrounding prose from a reply
func extractJSON(content string) string {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "```") {
		start := 3
		if newlineIdx := strings.Index(content[start:], "\n"); newlineIdx != -1 {
			start += newlineIdx + 1
		}
		if endIdx := strings.Index(content[start:], "```"); endIdx != -1 {
			content = content[start : start+endIdx]
		} else {
			content = content[start:]
		}
	}

	content = strings.TrimSpace(content)

	if startIdx := strings.Index(content, "{"); startIdx != -1 {
		if endIdx := strings.LastIndex(content, "}"); endIdx != -1 && endIdx > startIdx {
			content = content[startIdx : endIdx+1]
		}
	}

	return content
}
