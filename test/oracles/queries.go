// Package oracles holds SQL checks that must return no rows at any moment,
// however the dispatch services interleave.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

const activeStates = `('accepted', 'on_way', 'arrived', 'in_progress')`

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_accepted_notification",
			SQL: `SELECT request_id, COUNT(*) FROM broadcast_notifications
                  WHERE status = 'accepted'
                  GROUP BY request_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_winner_is_assignee",
			SQL: `SELECT r.id, r.assigned_helper_id, n.helper_id
                  FROM service_requests r
                  JOIN broadcast_notifications n ON n.request_id = r.id AND n.status = 'accepted'
                  WHERE r.assigned_helper_id IS NOT NULL AND n.helper_id <> r.assigned_helper_id`,
		},
		{
			Name: "O3_assignment_matches_state",
			SQL: `SELECT id, broadcast_status, assigned_helper_id FROM service_requests
                  WHERE (assigned_helper_id IS NOT NULL) <>
                        (broadcast_status IN ('accepted', 'on_way', 'arrived', 'in_progress', 'completed'))`,
		},
		{
			Name: "O4_offers_outlive_closed_request",
			SQL: `SELECT n.id, n.request_id, r.broadcast_status
                  FROM broadcast_notifications n
                  JOIN service_requests r ON r.id = n.request_id
                  WHERE n.status IN ('pending', 'sent')
                    AND r.broadcast_status IN ('cancelled', 'expired')`,
		},
		{
			Name: "O5_stale_sibling_offers",
			SQL: `SELECT n.id, n.request_id
                  FROM broadcast_notifications n
                  JOIN service_requests r ON r.id = n.request_id
                  WHERE n.status IN ('pending', 'sent')
                    AND r.assigned_helper_id IS NOT NULL
                    AND r.helper_accepted_at < now() - interval '30 seconds'`,
		},
		{
			Name: "O6_completed_without_start",
			SQL: `SELECT id FROM service_requests
                  WHERE (broadcast_status = 'completed' OR work_completed_at IS NOT NULL)
                    AND work_started_at IS NULL`,
		},
		{
			Name: "O7_helper_with_two_jobs",
			SQL: `SELECT assigned_helper_id, COUNT(*) FROM service_requests
                  WHERE broadcast_status IN ` + activeStates + `
                  GROUP BY assigned_helper_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_on_job_flag_mismatch",
			SQL: `SELECT h.id, h.is_on_job FROM helper_profiles h
                  WHERE h.is_on_job <> EXISTS (
                      SELECT 1 FROM service_requests r
                      WHERE r.assigned_helper_id = h.id AND r.broadcast_status IN ` + activeStates + `)`,
		},
		{
			Name: "O9_completed_without_earning",
			SQL: `SELECT r.id FROM service_requests r
                  LEFT JOIN helper_earnings e ON e.request_id = r.id
                  WHERE r.broadcast_status = 'completed' AND e.id IS NULL`,
		},
		{
			Name: "O10_outbox_stuck",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '2 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
