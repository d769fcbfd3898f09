package models

import (
	"reflect"
	"strings"
	"testing"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestSession_Fields(t *testing.T) {
	typ := reflect.TypeOf(Session{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "size:36")
	assertGormTag(t, typ, "Prompt", "type:text")
	assertGormTag(t, typ, "History", "type:text")
	assertGormTag(t, typ, "CreatedAt", "index")

	assertFieldType(t, typ, "ID", "string")
	assertFieldType(t, typ, "Turns", "int")
	assertFieldType(t, typ, "CreatedAt", "time.Time")
}

func TestSession_Relations(t *testing.T) {
	typ := reflect.TypeOf(Session{})

	assertGormTag(t, typ, "Rays", "foreignKey:SessionID")
	assertGormTag(t, typ, "Fusions", "foreignKey:SessionID")
	assertGormTag(t, typ, "Acceptances", "foreignKey:SessionID")

	assertFieldType(t, typ, "Rays", "[]models.RayRun")
	assertFieldType(t, typ, "Fusions", "[]models.FusionRun")
	assertFieldType(t, typ, "Acceptances", "[]models.Acceptance")
}

func TestRayRun_Fields(t *testing.T) {
	typ := reflect.TypeOf(RayRun{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "autoIncrement")
	assertGormTag(t, typ, "SessionID", "size:36")
	assertGormTag(t, typ, "SessionID", "index")
	assertGormTag(t, typ, "RayID", "index")
	assertGormTag(t, typ, "ModelID", "size:128")
	assertGormTag(t, typ, "Status", "size:16")
	assertGormTag(t, typ, "Issue", "type:text")
	assertGormTag(t, typ, "Text", "type:text")
	assertGormTag(t, typ, "Imported", "default:false")

	assertFieldType(t, typ, "ID", "uint")
	assertFieldType(t, typ, "Imported", "bool")
	assertFieldType(t, typ, "CreatedAt", "time.Time")
}

func TestFusionRun_Fields(t *testing.T) {
	typ := reflect.TypeOf(FusionRun{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "SessionID", "index")
	assertGormTag(t, typ, "FusionID", "size:36")
	assertGormTag(t, typ, "FactoryID", "size:32")
	assertGormTag(t, typ, "FactoryID", "index")
	assertGormTag(t, typ, "Status", "size:16")
	assertGormTag(t, typ, "Text", "type:text")

	assertFieldType(t, typ, "ID", "uint")
	assertFieldType(t, typ, "CreatedAt", "time.Time")
}

func TestAcceptance_Fields(t *testing.T) {
	typ := reflect.TypeOf(Acceptance{})

	assertGormTag(t, typ, "ID", "autoIncrement")
	assertGormTag(t, typ, "SessionID", "index")
	assertGormTag(t, typ, "Source", "size:16")
	assertGormTag(t, typ, "Source", "not null")
	assertGormTag(t, typ, "Text", "type:text")

	assertFieldType(t, typ, "SourceID", "string")
	assertFieldType(t, typ, "CreatedAt", "time.Time")
}
