// Package validation содержит функции валидации входных данных.
package validation

// IsValidTarget проверяет имя сообщества, передаваемое платным командам:
// от 2 до 21 символа, латинские буквы, цифры и подчёркивание.
func IsValidTarget(target string) bool {
	if len(target) < 2 || len(target) > 21 {
		return false
	}

	for i := 0; i < len(target); i++ {
		ch := target[i]
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '_':
		default:
			return false
		}
	}

	return true
}
