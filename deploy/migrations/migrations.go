package migrations

import "embed"

// Files 暴露账本与治理的 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
