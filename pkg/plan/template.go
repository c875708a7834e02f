// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

package plan

import (
	"regexp"
)

var placeholder = regexp.MustCompile(`\{\{([A-Za-z0-9_.-]+)\}\}`)

// Command is the shell text of a step after substitution.
type Command struct {
	Step string
	Text string
}

func (c Command) String() string {
	return c.Text
}

// Prepare replaces every {{key}} in template with env[key] when that value
// is non-empty. Placeholders without a value are left as written.
// Substituted values are not expanded again.
func Prepare(step, template string, env map[string]string) Command {
	text := placeholder.ReplaceAllStringFunc(template, func(token string) string {
		key := token[2 : len(token)-2]
		if value := env[key]; value != "" {
			return value
		}
		return token
	})
	return Command{Step: step, Text: text}
}
