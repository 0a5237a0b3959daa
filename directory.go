package main

// Wire structs for the directory REST payloads the migration path touches.
// Only the attributes the tool reads or writes are mapped; everything else in
// the Graph response is dropped on decode.

// User is a directory user as listed from the source tenant or posted to the
// destination tenant.
type User struct {
	ID                string           `json:"id,omitempty"`
	AccountEnabled    bool             `json:"accountEnabled"`
	DisplayName       string           `json:"displayName"`
	MailNickname      string           `json:"mailNickname"`
	UserPrincipalName string           `json:"userPrincipalName"`
	UserType          string           `json:"userType,omitempty"`
	Department        string           `json:"department,omitempty"`
	JobTitle          string           `json:"jobTitle,omitempty"`
	CompanyName       string           `json:"companyName,omitempty"`
	EmployeeID        string           `json:"employeeId,omitempty"`
	PasswordProfile   *PasswordProfile `json:"passwordProfile,omitempty"`
}

// PasswordProfile carries the initial credential policy for a created user.
type PasswordProfile struct {
	Password                      string `json:"password"`
	ForceChangePasswordNextSignIn bool   `json:"forceChangePasswordNextSignIn"`
}

// Group is a directory group. Migration copies these four fields directly;
// there is no cross-tenant identity remapping for groups.
type Group struct {
	ID              string `json:"id,omitempty"`
	DisplayName     string `json:"displayName"`
	MailNickname    string `json:"mailNickname"`
	MailEnabled     bool   `json:"mailEnabled"`
	SecurityEnabled bool   `json:"securityEnabled"`
}

// Domain is an entry from the destination tenant's /domains collection. The
// id is the domain name itself.
type Domain struct {
	ID         string `json:"id"`
	IsVerified bool   `json:"isVerified"`
	IsDefault  bool   `json:"isDefault"`
}

// DriveItem is a file or folder in the signed-in user's drive root. Listing
// is supported for selection display; content transfer is out of scope.
type DriveItem struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	WebURL      string `json:"webUrl"`
	DownloadURL string `json:"@microsoft.graph.downloadUrl,omitempty"`
}
