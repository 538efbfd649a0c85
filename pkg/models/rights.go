package models

import "fmt"

// ObjectType is the kind of resource a right refers to.
type ObjectType string

const (
	ObjectSample      ObjectType = "sample"
	ObjectUpload      ObjectType = "upload"
	ObjectAnalysis    ObjectType = "analysis"
	ObjectIndex       ObjectType = "index"
	ObjectReference   ObjectType = "reference"
	ObjectSubtraction ObjectType = "subtraction"
)

// Capability is an action that may be taken on an object.
type Capability string

const (
	CapabilityRead   Capability = "read"
	CapabilityModify Capability = "modify"
	CapabilityRemove Capability = "remove"
)

// WildcardID in a user grant matches every object of the grant's type. Job
// rights never carry it.
const WildcardID = "*"

// Right is a single (object type, object id, capability) triple.
type Right struct {
	ObjectType ObjectType `json:"object_type"`
	ObjectID   string     `json:"object_id"`
	Capability Capability `json:"capability"`
}

func (r Right) String() string {
	return fmt.Sprintf("%s:%s:%s", r.ObjectType, r.ObjectID, r.Capability)
}

// UserPermissions is the permission set of a user as exposed by the
// permission collaborator at job creation time.
type UserPermissions struct {
	UserID        string  `json:"user_id"`
	Administrator bool    `json:"administrator"`
	Grants        []Right `json:"grants"`
}
