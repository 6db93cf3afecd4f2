// Package config 负责加载 IntentArc 的运行配置：YAML/JSON 文件、INTENTARC_*
// 环境变量覆盖以及依赖配置文件目录的相对路径解析。
package config
