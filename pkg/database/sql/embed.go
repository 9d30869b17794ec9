// Package sql embeds the merchant store DDL. Files apply in name order.
package sql

import "embed"

//go:embed schema/*.sql
var Schema embed.FS
