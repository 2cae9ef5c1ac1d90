package repo

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState — операция невозможна в текущем состоянии.
	ErrInvalidState = errors.New("invalid state")

	// ErrDuplicateExecution — ExecutionID уже занят нетерминальным run.
	// Инвариант уникальности: на нём построена идемпотентность
	// scheduled-запусков.
	ErrDuplicateExecution = errors.New("execution id already in use by a live run")

	// ErrSeqConflict — конфликт seq_no при append: нарушена дисциплина
	// единственного писателя журнала.
	ErrSeqConflict = errors.New("event sequence conflict")
)

// isUniqueViolation сообщает о нарушении уникального индекса Postgres
// (SQLSTATE 23505), в том числе завёрнутом в другие ошибки.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
