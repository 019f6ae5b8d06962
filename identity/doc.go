// Package identity resolves subject ids to the role and status a token is issued with.
//
// [StaticProvider] serves fixed maps (tests, small deployments). [PostgresProvider] reads a
// subjects table through database/sql with the pgx driver and ships its schema as goose
// migrations.
package identity
