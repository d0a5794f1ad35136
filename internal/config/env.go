package config

import "strings"

// envKeyReplacer maps nested keys to environment names:
// scheduler.max_concurrent -> BUILDFIX_SCHEDULER_MAX_CONCURRENT.
var envKeyReplacer = strings.NewReplacer(".", "_")
