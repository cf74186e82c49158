// Package recovery turns raw step failures into classified, actionable
// records: a category and severity, ranked remediation suggestions, and a
// retry recommendation the progression loop consults alongside the static
// retry policy. Suggestion confidence is re-ranked by what has actually
// worked before, persisted through the learning store.
package recovery

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"time"

	"github.com/drover-io/drover/pkg/models"
)

// sentinelRule classifies by error identity before any message matching.
type sentinelRule struct {
	matches  func(err error) bool
	category models.ErrorCategory
	severity models.Severity
}

// patternRule classifies by case-insensitive substrings of the error text.
type patternRule struct {
	needles  []string
	category models.ErrorCategory
	severity models.Severity
}

var sentinelRules = []sentinelRule{
	{
		matches:  func(err error) bool { return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) },
		category: models.ErrorCategoryTimeout,
		severity: models.SeverityTransient,
	},
	{
		matches: func(err error) bool {
			var netErr net.Error

			return errors.As(err, &netErr) && netErr.Timeout()
		},
		category: models.ErrorCategoryTimeout,
		severity: models.SeverityTransient,
	},
	{
		matches:  func(err error) bool { return errors.Is(err, os.ErrPermission) },
		category: models.ErrorCategoryPermission,
		severity: models.SeverityDegraded,
	},
	{
		matches:  func(err error) bool { return errors.Is(err, os.ErrNotExist) },
		category: models.ErrorCategoryNotFound,
		severity: models.SeverityDegraded,
	},
}

// Ordered; the first matching rule wins. Timeout outranks connectivity so
// "dial tcp: i/o timeout" lands as a timeout, and the specific dependency
// phrases outrank the broad validation words.
var patternRules = []patternRule{
	{
		needles:  []string{"timeout", "timed out", "deadline exceeded"},
		category: models.ErrorCategoryTimeout,
		severity: models.SeverityTransient,
	},
	{
		needles:  []string{"permission denied", "access denied", "unauthorized", "forbidden", "operation not permitted"},
		category: models.ErrorCategoryPermission,
		severity: models.SeverityDegraded,
	},
	{
		needles:  []string{"connection refused", "connection reset", "no route to host", "network is unreachable", "dial tcp", "broken pipe", "name resolution"},
		category: models.ErrorCategoryConnectivity,
		severity: models.SeverityTransient,
	},
	{
		needles:  []string{"cannot find module", "cannot find package", "no required module", "missing dependency", "unresolved import", "import cycle", "undefined symbol"},
		category: models.ErrorCategoryDependency,
		severity: models.SeverityDegraded,
	},
	{
		needles:  []string{"no such file", "not found", "does not exist"},
		category: models.ErrorCategoryNotFound,
		severity: models.SeverityDegraded,
	},
	{
		needles:  []string{"no space left", "out of memory", "resource temporarily unavailable", "too many open files", "disk quota"},
		category: models.ErrorCategoryResource,
		severity: models.SeverityTransient,
	},
	{
		needles:  []string{"validation failed", "invalid", "malformed", "syntax error", "parse error", "schema"},
		category: models.ErrorCategoryValidation,
		severity: models.SeverityFatal,
	},
}

// Classify buckets a step failure into the error taxonomy. Identity checks
// run first, then the ordered message patterns; anything unmatched is
// unknown/degraded. The caller fills in workflow, step, and attempt context.
func Classify(err error, msg string) *models.ErrorRecord {
	if msg == "" && err != nil {
		msg = err.Error()
	}

	record := &models.ErrorRecord{
		Category:   models.ErrorCategoryUnknown,
		Severity:   models.SeverityDegraded,
		Message:    msg,
		OccurredAt: time.Now().UTC(),
	}

	if err != nil {
		for _, rule := range sentinelRules {
			if rule.matches(err) {
				record.Category = rule.category
				record.Severity = rule.severity

				return record
			}
		}
	}

	haystack := strings.ToLower(msg)

	for _, rule := range patternRules {
		for _, needle := range rule.needles {
			if strings.Contains(haystack, needle) {
				record.Category = rule.category
				record.Severity = rule.severity

				return record
			}
		}
	}

	return record
}
