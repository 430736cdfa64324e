// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package review

import (
	"strings"

	"github.com/pdiddy/sql-reviewer/pkg/types"
)

// IsAlterSession reports whether sql is an ALTER SESSION statement. Those
// only configure the session and are never sent for review.
func IsAlterSession(sql string) bool {
	fields := strings.Fields(strings.ToUpper(sql))
	return len(fields) >= 2 && fields[0] == "ALTER" && fields[1] == "SESSION"
}

func syntheticReview() types.Review {
	return types.Review{
		Summary: types.ReviewSummary{
			PerformanceScore: 10,
			OverallAssessment: "ALTER SESSION configures session parameters (for example CURRENT_SCHEMA). " +
				"It does not read or modify data, so there is nothing to tune: no performance issues, no index needed.",
			Priority:    "low",
			EffortToFix: "low",
		},
		Issues: []map[string]any{},
	}
}
