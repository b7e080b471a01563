// Package integration runs the services against a real PostgreSQL so the
// plpgsql routines shipped in the migrations are exercised end to end.
//
// Tests use MEDISYS_TEST_DATABASE_URL when it is set. Otherwise they start a
// throwaway postgres container through testcontainers, and skip when no
// container runtime is reachable or -short is given. Each test works in its
// own schema, so a shared database is left untouched.
package integration
