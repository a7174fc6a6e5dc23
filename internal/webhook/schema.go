/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package webhook

import (
	_ "embed"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemadata/webhook_schema.json
var webhookSchemaJSON []byte

var webhookSchema *gojsonschema.Schema

func init() {
	loader := gojsonschema.NewBytesLoader(webhookSchemaJSON)
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		panic("webhook: invalid embedded schema: " + err.Error())
	}
	webhookSchema = schema
}

// SchemaErrors is the nested path -> violation-messages map the inbound
// handler returns as the body of a 400 response.
type SchemaErrors map[string]interface{}

// validateSchema checks body against the provider webhook schema,
// returning nil if it's valid or the nested error map otherwise.
func validateSchema(body []byte) (SchemaErrors, error) {
	result, err := webhookSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, err
	}
	if result.Valid() {
		return nil, nil
	}

	errors := SchemaErrors{}
	for _, e := range result.Errors() {
		path := schemaPath(e.Field())
		insertSchemaError(errors, path, e.Description())
	}
	return errors, nil
}

// schemaPath turns gojsonschema's dotted Field() ("messages.0.type", or
// "(root)" for a top-level error) into a path-pointer slice, mapping the
// root to "_root" and stripping any leftover "(root)." prefix.
func schemaPath(field string) []string {
	if field == "(root)" || field == "" {
		return []string{"_root"}
	}
	field = strings.TrimPrefix(field, "(root).")
	parts := strings.Split(field, ".")
	return parts
}

func insertSchemaError(errors SchemaErrors, path []string, message string) {
	node := map[string]interface{}(errors)
	for _, segment := range path[:len(path)-1] {
		next, ok := node[segment].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			node[segment] = next
		}
		node = next
	}
	last := path[len(path)-1]
	list, _ := node[last].([]string)
	node[last] = append(list, message)
}
