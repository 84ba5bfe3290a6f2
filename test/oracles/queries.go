// Package oracles holds the SQL invariants checked while the actors run. A
// row returned by any oracle is a violated invariant.
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

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_fact_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT product_id, seq,
                             LAG(seq) OVER (PARTITION BY product_id ORDER BY seq, sub_seq, id) AS prev
                      FROM ledger_facts WHERE product_id IS NOT NULL)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O2_single_creation_fact",
			SQL: `SELECT product_id, COUNT(*) FROM ledger_facts
                  WHERE kind = 'CREATED'
                  GROUP BY product_id HAVING COUNT(*) <> 1`,
		},
		{
			Name: "O3_last_seq_matches_facts",
			SQL: `SELECT p.id, p.last_seq, MAX(f.seq) FROM products p
                  JOIN ledger_facts f ON f.product_id = p.id
                  GROUP BY p.id, p.last_seq HAVING p.last_seq <> MAX(f.seq)`,
		},
		{
			Name: "O4_verified_has_record",
			SQL: `SELECT p.id FROM products p
                  WHERE p.status = 'verified'
                    AND NOT EXISTS (SELECT 1 FROM verifications v WHERE v.product_id = p.id)`,
		},
		{
			Name: "O5_owner_registered",
			SQL: `SELECT p.id, p.current_owner FROM products p
                  WHERE NOT EXISTS (SELECT 1 FROM participants pa WHERE pa.address = p.current_owner)`,
		},
		{
			Name: "O6_outbox_not_stale",
			SQL: `SELECT id, topic FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O7_append_only_guards",
			SQL: `SELECT 'missing_no_rewrite_trigger' AS detail
                  WHERE (SELECT COUNT(*) FROM pg_trigger WHERE tgname LIKE 'no_rewrite%') < 2`,
		},
		{
			Name: "O8_fact_actor_present",
			SQL:  `SELECT id FROM ledger_facts WHERE actor IS NULL OR actor = ''`,
		},
		{
			Name: "O9_transfer_fact_per_owner_change",
			SQL: `SELECT f.product_id FROM ledger_facts f
                  WHERE f.kind = 'OWNERSHIP_TRANSFERRED'
                    AND (f.payload->>'from') = (f.payload->>'to')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
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
	}
	return "", "", nil
}
