package validation

import (
	"reflect"
	"strings"
)

// jsonTagName reports fields by their wire name so messages match the request body.
func jsonTagName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		if k := f.Tag.Get("koanf"); k != "" {
			return k
		}
		return f.Name
	}
	return name
}
