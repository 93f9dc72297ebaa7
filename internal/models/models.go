package model

// All lists every table AutoMigrate manages for the marketplace.
func All() []any {
	return []any{
		&Task{},
		&Submission{},
		&Transaction{},
		&AdminUser{},
		&AdminActivity{},
	}
}
