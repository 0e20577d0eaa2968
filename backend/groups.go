package backend

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/lib/pq"
)

// querier is satisfied by *sql.DB and *sql.Tx so the group helpers can run
// inside or outside a transaction.
type querier interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// ensureGroup returns the numeric id of the group with the given Keycloak
// name, creating the row if it does not exist yet. Group rows are created
// lazily, the database never learns about a group before it first appears in
// a token or a grant.
func (b *Backend) ensureGroup(q querier, name string) (int64, error) {
	var id int64
	query := fmt.Sprintf(`SELECT id FROM %s."group" WHERE kc_groupname = $1;`, b.db.Schema)
	err := q.QueryRow(query, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	insert := fmt.Sprintf(`INSERT INTO %s."group" (kc_groupname) VALUES ($1) RETURNING id;`, b.db.Schema)
	err = q.QueryRow(insert, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		// lost the race against a concurrent insert
		err = q.QueryRow(query, name).Scan(&id)
	}
	return id, err
}

// groupID returns the numeric id of a group, without creating it.
func (b *Backend) groupID(q querier, name string) (int64, bool, error) {
	var id int64
	query := fmt.Sprintf(`SELECT id FROM %s."group" WHERE kc_groupname = $1;`, b.db.Schema)
	err := q.QueryRow(query, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// groupNamesByID resolves numeric group ids to their Keycloak names.
func (b *Backend) groupNamesByID(q querier, ids []int64) (map[int64]string, error) {
	names := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	query := fmt.Sprintf(`SELECT id, kc_groupname FROM %s."group" WHERE id = ANY($1);`, b.db.Schema)
	rows, err := q.Query(query, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		names[id] = name
	}
	return names, rows.Err()
}

// joinGroupNames renders a list of group ids as a comma separated, sorted
// list of group names.
func (b *Backend) joinGroupNames(q querier, ids []int64) (string, error) {
	names, err := b.groupNamesByID(q, ids)
	if err != nil {
		return "", err
	}
	list := make([]string, 0, len(names))
	for _, name := range names {
		list = append(list, name)
	}
	sort.Strings(list)
	result := ""
	for i, name := range list {
		if i > 0 {
			result += ","
		}
		result += name
	}
	return result, nil
}
