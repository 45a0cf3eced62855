package lock

import "github.com/bwmarrin/snowflake"

func DeviceKey(id snowflake.ID) string { return "device:" + id.String() }

func MemberKey(id snowflake.ID) string { return "member:" + id.String() }

func SessionKey(id snowflake.ID) string { return "session:" + id.String() }
