package search

import (
	"fmt"
	"strings"

	"github.com/meridianhq/meridian/pkg/api"
)

// ApiTransformer projects API details into searchable documents.
type ApiTransformer struct{}

func (ApiTransformer) Handles(kind SourceKind) bool { return kind == KindApi }

func (ApiTransformer) Transform(entity interface{}) (*Document, error) {
	details, ok := entity.(*api.ApiDetails)
	if !ok {
		return nil, fmt.Errorf("api transformer got %T", entity)
	}
	fields := map[string]string{
		"name":         details.Name,
		"version":      details.Version,
		"description":  details.Description,
		"context_path": details.Proxy.ContextPath,
		"visibility":   string(details.Visibility),
		"state":        string(details.State),
	}
	if len(details.Tags) > 0 {
		fields["tags"] = strings.Join(details.Tags, " ")
	}
	if details.PrimaryOwner != nil {
		fields["owner"] = details.PrimaryOwner.Username
	}
	return &Document{
		ID:     Source{Kind: KindApi, ID: details.ID}.DocID(),
		Kind:   KindApi,
		Fields: fields,
	}, nil
}

// PageTransformer projects documentation pages into searchable documents.
type PageTransformer struct{}

func (PageTransformer) Handles(kind SourceKind) bool { return kind == KindPage }

func (PageTransformer) Transform(entity interface{}) (*Document, error) {
	page, ok := entity.(*api.Page)
	if !ok {
		return nil, fmt.Errorf("page transformer got %T", entity)
	}
	return &Document{
		ID:   Source{Kind: KindPage, ID: page.ID}.DocID(),
		Kind: KindPage,
		Fields: map[string]string{
			"name":    page.Name,
			"content": page.Content,
			"api":     page.ApiID,
		},
	}, nil
}

// UserTransformer projects management users into searchable documents.
type UserTransformer struct{}

func (UserTransformer) Handles(kind SourceKind) bool { return kind == KindUser }

func (UserTransformer) Transform(entity interface{}) (*Document, error) {
	user, ok := entity.(*api.User)
	if !ok {
		return nil, fmt.Errorf("user transformer got %T", entity)
	}
	return &Document{
		ID:   Source{Kind: KindUser, ID: user.Username}.DocID(),
		Kind: KindUser,
		Fields: map[string]string{
			"username":  user.Username,
			"firstname": user.Firstname,
			"lastname":  user.Lastname,
			"email":     user.Email,
		},
	}, nil
}
