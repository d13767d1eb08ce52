// Package logx provides a small structured logging facade over zerolog.
package logx
