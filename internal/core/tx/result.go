package tx

import (
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Result is the pass-through outcome of one command.
type Result struct {
	// Command is the command tag reported by the server ("UPDATE 1", "COMMIT", ...)
	Command string

	RowsAffected int64

	// Fields and Rows are empty for commands that return no rows.
	Fields []string
	Rows   [][]any
}

func resultFromTag(tag pgconn.CommandTag) Result {
	return Result{
		Command:      tag.String(),
		RowsAffected: tag.RowsAffected(),
	}
}

// collectResult drains rows into a Result and closes them.
func collectResult(rows pgx.Rows) (Result, error) {
	defer rows.Close()

	var res Result
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return res, err
		}
		res.Rows = append(res.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return res, err
	}

	res.Fields = fieldNames(rows.FieldDescriptions())
	tag := rows.CommandTag()
	res.Command = tag.String()
	res.RowsAffected = tag.RowsAffected()
	return res, nil
}

func fieldNames(fds []pgconn.FieldDescription) []string {
	if len(fds) == 0 {
		return nil
	}
	names := make([]string, len(fds))
	for i, fd := range fds {
		names[i] = fd.Name
	}
	return names
}
