package llm

// ExtractionPrompt is sent with every page image to the vision model
const ExtractionPrompt = `You are converting a single page of a PDF into an editable presentation slide.

Return ONLY a JSON object with exactly these fields:
{
  "title": "slide title, or empty string if the page has none",
  "content": ["bullet 1", "bullet 2"],
  "visual_elements": [
    {"box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}, "size": 1, "label": "chart"}
  ],
  "title_alignment": "left | center | right",
  "content_alignment": "left | center | right",
  "speaker_notes": "two or three sentences a presenter could say about this page",
  "background_color_hex": "#RRGGBB of the dominant background",
  "text_color_hex": "#RRGGBB of the main body text"
}

RULES:
- Coordinates are fractions of the page width/height between 0 and 1; x,y is the top-left corner.
- visual_elements lists photos, charts, diagrams and illustrations only, never text blocks or logos.
- size ranks visual elements by area, 1 = largest.
- content holds the body text as short bullets in reading order, at most 8 bullets.
- Do not invent content that is not on the page; speaker_notes may summarize it.
- Colors are six-digit hex values; pick a text color that stays readable on the background.
- If the page is purely visual, return an empty title and an empty content array.
- Do not wrap the JSON in markdown.`

// RemovalPrompt instructs the image-edit model to strip text from a page
const RemovalPrompt = `Remove all text, logos, page numbers and watermarks from this slide image.
Fill the removed areas so they blend with the surrounding background.
Keep every photo, chart, diagram, shape and background element exactly where it is.
Do not add anything new.`

// WatermarkPrompt is appended to RemovalPrompt when the caller asks for the
// generator watermark to go as well
const WatermarkPrompt = `Also remove any generator logo or badge and every footer line or page number along the bottom edge.`
