package migrations

import "embed"

// Files 包含账本与运行表的建表脚本，文件名形如 0001_name.sql，前缀即版本号。
//
//go:embed *.sql
var Files embed.FS
