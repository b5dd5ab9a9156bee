// Package validation содержит функции валидации входных данных.
package validation

// Допустимые длины хэша транзакции: 64 символа для сетей без префикса
// и 66 символов для хэшей с префиксом 0x.
const (
	hashLenBare     = 64
	hashLenPrefixed = 66
)

// IsValidTransactionHash проверяет формат хэша транзакции.
func IsValidTransactionHash(hash string) bool {
	return len(hash) == hashLenBare || len(hash) == hashLenPrefixed
}
