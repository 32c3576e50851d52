/*
 * Copyright (c) The Kumo Project
 * Apache License, Version 2.0 (see LICENSE or https://www.apache.org/licenses/LICENSE-2.0.txt)
 * SPDX-License-Identifier: Apache-2.0
 */

package common

import (
	"strings"
	"text/template"
)

var TemplateFunctions = map[string]any{
	"join": func(items []string, sep string) string {
		return strings.Join(items, sep)
	},
}

func LoadTemplateFunctions(tpl *template.Template) {
	tpl.Funcs(TemplateFunctions)
}

// RenderTemplate parses and executes one of the embedded templates.
func RenderTemplate(name, content string, data any) ([]byte, error) {
	tpl := template.New(name)
	LoadTemplateFunctions(tpl)
	tpl, err := tpl.Parse(content)
	if err != nil {
		return nil, err
	}

	var buffer strings.Builder
	err = tpl.Execute(&buffer, data)
	if err != nil {
		return nil, err
	}
	return []byte(buffer.String()), nil
}
