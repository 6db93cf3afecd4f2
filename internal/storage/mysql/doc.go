// Package mysql 提供 MySQL 连接池的创建与嵌入式 schema 迁移，
// 交易记录存储与收益台账都基于它返回的 *sql.DB。
package mysql
