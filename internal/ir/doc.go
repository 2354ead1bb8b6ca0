// Package ir provides the core data types shared by every factsync package.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Values are Null, Text or Int. NO float types anywhere.
//   - Column types are a closed enum, validated when a schema is declared.
//   - Storage identity lives on Record and is only read by the store.
//   - Field names are compared case-insensitively, matching SQLite.
package ir
