package importer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/p-n-ai/pai-qbank/internal/exercise"
)

const recordSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["category", "type"],
  "properties": {
    "exercise_id": {"type": ["integer", "null"]},
    "category": {"type": "string", "minLength": 1},
    "major": {"type": ["string", "null"]},
    "chapter": {"type": ["string", "null"]},
    "examgroup": {"type": ["string", "null"]},
    "source": {"type": ["string", "null"]},
    "type": {"type": "string", "minLength": 1},
    "level": {"type": ["integer", "null"]},
    "score": {"type": ["number", "null"]},
    "stem": {"type": ["string", "null"]},
    "questions": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["question_order"],
        "properties": {
          "question_order": {"type": "integer"},
          "question_stem": {"type": ["string", "null"]},
          "question_answer": {"type": ["string", "null"]},
          "question_analysis": {"type": ["string", "null"]}
        }
      }
    },
    "answer": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "properties": {
          "answer_content": {"type": ["string", "null"]},
          "mark": {"type": ["string", "null"]},
          "from_model": {"type": ["string", "null"]},
          "render_type": {"type": ["string", "null"]}
        }
      }
    },
    "analysis": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "properties": {
          "analysis_content": {"type": ["string", "null"]},
          "mark": {"type": ["string", "null"]},
          "render_type": {"type": ["string", "null"]}
        }
      }
    },
    "exercise_from": {
      "type": ["object", "null"],
      "properties": {
        "from_school": {"type": ["string", "null"]},
        "exam_time": {"type": ["string", "null"]},
        "exam_code": {"type": ["string", "null"]},
        "exam_full_name": {"type": ["string", "null"]},
        "is_official_exercise": {"type": ["integer", "null"], "enum": [0, 1, null]},
        "exercise_number": {"type": ["integer", "null"]},
        "material_name": {"type": ["string", "null"]},
        "section": {"type": ["string", "null"]},
        "page_number": {"type": ["integer", "null"]},
        "exam": {
          "type": ["object", "null"],
          "properties": {
            "from_school": {"type": ["string", "null"]},
            "exam_time": {"type": ["string", "null"]},
            "exam_code": {"type": ["string", "null"]},
            "exam_full_name": {"type": ["string", "null"]}
          }
        }
      }
    },
    "image_links": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["image_link", "source_type"],
        "properties": {
          "image_link": {"type": "string"},
          "source_type": {"type": "string"},
          "is_deprecated": {"type": ["boolean", "null"]},
          "ocr_result": {"type": ["string", "null"]}
        }
      }
    }
  }
}`

var (
	recordSchemaOnce sync.Once
	recordSchema     *gojsonschema.Schema
	recordSchemaErr  error
)

func loadRecordSchema() (*gojsonschema.Schema, error) {
	recordSchemaOnce.Do(func() {
		recordSchema, recordSchemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(recordSchemaJSON))
	})
	return recordSchema, recordSchemaErr
}

// ValidateSchema checks raw record JSON against the record schema. The first
// violation is returned as a *exercise.ValidationError naming the field.
func ValidateSchema(raw []byte) error {
	schema, err := loadRecordSchema()
	if err != nil {
		return fmt.Errorf("load record schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return exercise.Invalid("", "malformed record: %v", err)
	}
	if result.Valid() {
		return nil
	}

	errs := result.Errors()
	first := errs[0]
	field := first.Field()
	if first.Type() == "required" {
		if prop, ok := first.Details()["property"].(string); ok {
			field = strings.TrimPrefix(field+"."+prop, "(root).")
		}
	}
	msg := first.Description()
	if len(errs) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(errs)-1)
	}
	return exercise.Invalid(field, "%s", msg)
}
