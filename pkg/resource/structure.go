package resource

// Definition describes how one resource type behaves during the three
// passes: where it nests, whether it has its own index or detail endpoint,
// and which detail fields reference other resources.
type Definition struct {
	Type     Type
	Children []*Definition

	// SkipIndex excludes the type from direct enumeration; its index is
	// accumulated elsewhere (users are collected from role stubs)
	SkipIndex bool
	// ExtractFromIndex marks types with no detail endpoint: the index
	// stub already carries the full detail
	ExtractFromIndex bool
	// Binary marks types whose payload is a blob stream, not a document
	Binary bool
	// ForeignKeys maps detail field names to the resource type they
	// reference; push rewrites them to target record keys
	ForeignKeys map[string]Type
}

// Structure returns the resource nesting shared by every pass. Order is
// significant: siblings are processed in the order listed here, which is
// the dependency order the target platform expects.
func Structure() []*Definition {
	return []*Definition{
		{
			// Users are indexed as part of journal roles so the transfer
			// only carries users that hold a role somewhere in the
			// selected journals.
			Type:      TypeUsers,
			SkipIndex: true,
		},
		{
			Type: TypeJournals,
			Children: []*Definition{
				{
					Type:             TypeRoles,
					ExtractFromIndex: true,
					ForeignKeys:      map[string]Type{"user": TypeUsers},
				},
				{Type: TypeSections},
				{
					Type:        TypeIssues,
					ForeignKeys: map[string]Type{"sections": TypeSections},
				},
				{
					Type: TypeReviewForms,
					Children: []*Definition{
						{Type: TypeElements},
					},
				},
				{
					Type: TypeArticles,
					ForeignKeys: map[string]Type{
						"creator":  TypeUsers,
						"issues":   TypeIssues,
						"sections": TypeSections,
					},
					Children: []*Definition{
						{
							Type:             TypeEditors,
							ExtractFromIndex: true,
							ForeignKeys:      map[string]Type{"editor": TypeUsers},
						},
						{
							Type:             TypeAuthors,
							ExtractFromIndex: true,
							ForeignKeys:      map[string]Type{"user": TypeUsers},
						},
						{
							Type:   TypeFiles,
							Binary: true,
						},
						{
							Type:             TypeLogEntries,
							ExtractFromIndex: true,
							ForeignKeys:      map[string]Type{"user": TypeUsers},
						},
						{
							Type:        TypeRevisionRequests,
							ForeignKeys: map[string]Type{"editor": TypeUsers},
						},
						{
							Type: TypeRounds,
							Children: []*Definition{
								{
									Type: TypeAssignments,
									ForeignKeys: map[string]Type{
										"editor":        TypeUsers,
										"reviewer":      TypeUsers,
										"review_files":  TypeFiles,
										"reviewer_file": TypeFiles,
										"review_form":   TypeReviewForms,
									},
									Children: []*Definition{
										{
											Type:             TypeResponse,
											ExtractFromIndex: true,
											ForeignKeys:      map[string]Type{"review_form_element": TypeElements},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
}

// DefinitionFor finds the definition of a type anywhere in the structure,
// or nil if the type is not part of the nesting.
func DefinitionFor(t Type) *Definition {
	var find func(defs []*Definition) *Definition
	find = func(defs []*Definition) *Definition {
		for _, d := range defs {
			if d.Type == t {
				return d
			}
			if found := find(d.Children); found != nil {
				return found
			}
		}
		return nil
	}
	return find(Structure())
}
